package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-elm327-diag/internal/metrics"
)

// runMetricsLogger periodically logs the in-process counters until ctx is
// done (for setups without a Prometheus scraper).
func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"transactions", snap.Transactions(),
				"positive", snap.Positive,
				"negative", snap.Negative,
				"no_data", snap.NoData,
				"timeout", snap.Timeout,
				"tx_bytes", snap.TxBytes,
				"rx_bytes", snap.RxBytes,
				"bridge_commands", snap.BridgeCommands,
				"bridge_rejected", snap.BridgeRejected,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return nil
		}
	}
}
