package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-elm327-diag/internal/metrics"
)

// runWriter pushes queued replies to the client until out is closed. On a
// write failure it closes the connection, which also stops the reader, and
// drains out so the reader never blocks.
func (s *Server) runWriter(conn net.Conn, out <-chan []byte, logger *slog.Logger) {
	for b := range out {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeDeadline))
		if _, err := conn.Write(b); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Warn("client_write_error", "error", err)
			}
			_ = conn.Close()
			for range out {
			}
			return
		}
	}
}
