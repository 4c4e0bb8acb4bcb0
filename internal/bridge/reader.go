package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/kstaniek/go-elm327-diag/internal/elm"
	"github.com/kstaniek/go-elm327-diag/internal/metrics"
)

// client is the per-connection adapter emulation state.
type client struct {
	echo bool
	last string
}

// runReader reads CR-terminated commands, runs each on the adapter and
// queues the reply for the writer. It returns when the client leaves, idles
// past the read deadline, or the session fails.
func (s *Server) runReader(ctx context.Context, conn net.Conn, out chan<- []byte, logger *slog.Logger) {
	r := bufio.NewReader(conn)
	var cl client
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		line, err := r.ReadString('\r')
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &ne) && ne.Timeout():
				logger.Info("client_idle_timeout", "after", s.readDeadline)
			default:
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Warn("client_read_error", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		reply, fatal := s.handle(ctx, &cl, line, logger)
		select {
		case out <- reply:
		case <-ctx.Done():
			return
		}
		if fatal {
			return
		}
	}
}

// handle runs one client line. A bare CR repeats the previous command like
// the adapter does. Echo is emulated here because the session strips the
// adapter's own echo from every reply.
func (s *Server) handle(ctx context.Context, cl *client, line string, logger *slog.Logger) ([]byte, bool) {
	cmd := strings.ToUpper(strings.Join(strings.Fields(line), ""))
	if cmd == "" {
		if cl.last == "" {
			return formatReply(false, "", ""), false
		}
		cmd = cl.last
	}
	cl.last = cmd
	switch cmd {
	case "ATE0", "ATE1":
		cl.echo = cmd == "ATE1"
		return formatReply(cl.echo, cmd, "OK"), false
	}
	timeout := s.commandTimeout
	reset := cmd == "ATZ" || cmd == "ATWS"
	if reset {
		timeout = s.resetTimeout
	}
	s.totalCommands.Add(1)
	metrics.IncBridgeCommand()
	text, err := s.ex.SendRaw(ctx, cmd, timeout)
	if err != nil {
		if errors.Is(err, elm.ErrBusy) {
			logger.Warn("adapter_busy", "cmd", cmd)
			return formatReply(cl.echo, cmd, "STOPPED"), false
		}
		// already counted by the session
		wrap := fmt.Errorf("%w: %q: %w", ErrSession, cmd, err)
		s.setError(wrap)
		logger.Error("adapter_command_failed", "cmd", cmd, "error", err)
		return formatReply(cl.echo, cmd, "UNABLE TO CONNECT"), true
	}
	if reset {
		cl.echo = true
	}
	logger.Debug("bridge_command", "cmd", cmd, "reply", text)
	return formatReply(cl.echo, cmd, text), false
}

// formatReply renders adapter output: optional echo, CR-separated lines,
// an empty line and the prompt.
func formatReply(echo bool, cmd, text string) []byte {
	var b strings.Builder
	if echo && cmd != "" {
		b.WriteString(cmd)
		b.WriteByte('\r')
	}
	if text != "" {
		b.WriteString(strings.ReplaceAll(text, "\n", "\r"))
		b.WriteByte('\r')
	}
	b.WriteString("\r>")
	return []byte(b.String())
}
