package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-elm327-diag/internal/bridge"
	"github.com/kstaniek/go-elm327-diag/internal/diag"
	"github.com/kstaniek/go-elm327-diag/internal/logging"
	"github.com/kstaniek/go-elm327-diag/internal/metrics"
)

const shutdownTimeout = 3 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Share the adapter as an ELM327-over-TCP endpoint",
		Long: `Open the adapter and accept one TCP client at a time, forwarding its
commands the way a Wi-Fi ELM327 adapter does. After each client leaves the
adapter is re-initialized. Optionally serves Prometheus metrics and
advertises itself via mDNS.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error { return c.serve(cmd.Context()) },
	}
	bindServeFlags(cmd.Flags(), &c.flags)
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	l := c.log
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	s, err := c.openSession(ctx)
	if err != nil {
		return fmt.Errorf("open adapter: %w", err)
	}
	defer func() { _ = s.Close() }()

	srv := bridge.NewServer(diag.New(s),
		bridge.WithListenAddr(c.cfg.listenAddr),
		bridge.WithResetTimeout(c.cfg.resetTO),
		bridge.WithReadDeadline(c.cfg.clientReadTO),
		bridge.WithOnDisconnect(s.Initialize),
		bridge.WithLogger(logging.For("bridge")),
	)
	// Ready when the listener is bound and the adapter session usable.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && s.Ready()
	})

	g, gctx := errgroup.WithContext(ctx)
	if c.cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		h := metrics.StartHTTP(c.cfg.metricsAddr)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = h.Shutdown(sctx)
			return nil
		})
	}
	g.Go(func() error { return runMetricsLogger(gctx, c.cfg.logMetricsEvery, l) })
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if c.cfg.mdnsEnable {
		g.Go(func() error {
			select {
			case <-srv.Ready():
			case <-gctx.Done():
				return nil
			}
			port := portOf(srv.Addr())
			cleanup, err := startMDNS(c.cfg, port, s.Version())
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return nil
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", c.cfg.mdnsName, "port", port)
			<-gctx.Done()
			cleanup()
			return nil
		})
	}
	err = g.Wait()
	l.Info("shutdown", "error", err)
	return err
}

// portOf extracts the port of a bound address (host:port or :port).
func portOf(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return 0
}
