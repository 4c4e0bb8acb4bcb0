package elm

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kstaniek/go-elm327-diag/internal/metrics"
	"github.com/kstaniek/go-elm327-diag/internal/transport"
)

const (
	// Prompt is printed by the adapter when it is ready for the next command.
	Prompt     = '>'
	terminator = "\r"
	readBufLen = 256
)

// StopReason tells why an exchange stopped accumulating bytes.
type StopReason uint8

const (
	StopPrompt  StopReason = iota // '>' seen
	StopIdle                      // bytes arrived, then nothing for the idle interval
	StopTimeout                   // deadline reached
)

func (r StopReason) String() string {
	switch r {
	case StopPrompt:
		return "prompt"
	case StopIdle:
		return "idle"
	default:
		return "timeout"
	}
}

// Response is the unprocessed result of one command/response exchange.
type Response struct {
	Command string
	Raw     []byte
	Elapsed time.Duration
	Stop    StopReason
}

// Lines splits the raw reply into trimmed non-empty lines, dropping the
// prompt and an echo of the command.
func (r Response) Lines() []string { return ReplyLines(r.Raw, r.Command) }

// Text is Lines joined with newlines.
func (r Response) Text() string { return strings.Join(r.Lines(), "\n") }

// Rejected reports whether the adapter answered "?".
func (r Response) Rejected() bool {
	for _, l := range r.Lines() {
		if l == "?" {
			return true
		}
	}
	return false
}

// ReplyLines splits raw adapter output at CR/LF, trims each line and drops
// empty lines, prompts and a line echoing cmd.
func ReplyLines(raw []byte, cmd string) []string {
	echo := compact(cmd)
	var out []string
	for _, l := range strings.FieldsFunc(string(raw), func(r rune) bool { return r == '\r' || r == '\n' }) {
		l = strings.TrimSpace(strings.ReplaceAll(l, string(Prompt), ""))
		if l == "" {
			continue
		}
		if echo != "" && compact(l) == echo {
			echo = "" // only the first echo
			continue
		}
		out = append(out, l)
	}
	return out
}

// Exchange writes cmd followed by CR and polls the transport until the
// prompt appears, timeout elapses, or the idle interval passes after at
// least one byte arrived. A timeout <= 0 uses the configured command timeout.
//
// The context is checked only before the command is written: an in-flight
// command cannot be aborted on this transport.
func (s *Session) Exchange(ctx context.Context, cmd string, timeout time.Duration) (Response, error) {
	if !s.mu.TryLock() {
		return Response{}, ErrBusy
	}
	defer s.mu.Unlock()
	if !s.State().holdsTransport() {
		return Response{}, ErrClosed
	}
	return s.exchangeLocked(ctx, cmd, timeout)
}

func (s *Session) exchangeLocked(ctx context.Context, cmd string, timeout time.Duration) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}
	if err := transport.ResetInput(s.port); err != nil {
		s.log.Debug("input_reset_failed", "error", err)
	}
	line := []byte(cmd + terminator)
	start := time.Now()
	n, err := s.port.Write(line)
	metrics.AddTxBytes(n)
	if err != nil {
		metrics.IncError(metrics.ErrTransportWrite)
		s.failLocked("transport_write_error", err)
		return Response{}, fmt.Errorf("elm: write %q: %w", cmd, err)
	}

	resp := Response{Command: cmd}
	if err := s.pollLocked(&resp, start.Add(timeout)); err != nil {
		return Response{}, err
	}
	resp.Elapsed = time.Since(start)
	s.log.Debug("adapter_exchange", "cmd", cmd, "bytes", len(resp.Raw), "stop", resp.Stop.String(), "elapsed", resp.Elapsed)
	return resp, nil
}

// Continue keeps reading after an exchange that stopped before the prompt
// (e.g. the ECU answered "response pending" and the final reply is still to
// come). New bytes are appended to a copy of prev; nothing is written.
func (s *Session) Continue(ctx context.Context, prev Response, timeout time.Duration) (Response, error) {
	if !s.mu.TryLock() {
		return Response{}, ErrBusy
	}
	defer s.mu.Unlock()
	if !s.State().holdsTransport() {
		return Response{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if prev.Stop == StopPrompt {
		return prev, nil
	}
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}
	start := time.Now()
	resp := prev
	resp.Raw = append([]byte(nil), prev.Raw...)
	if err := s.pollLocked(&resp, start.Add(timeout)); err != nil {
		return Response{}, err
	}
	resp.Elapsed = prev.Elapsed + time.Since(start)
	s.log.Debug("adapter_continue", "cmd", resp.Command, "bytes", len(resp.Raw)-len(prev.Raw), "stop", resp.Stop.String())
	return resp, nil
}

// pollLocked reads into resp.Raw until the prompt, the deadline, or the idle
// interval after newly received bytes.
func (s *Session) pollLocked(resp *Response, deadline time.Time) error {
	var (
		buf    = make([]byte, readBufLen)
		idle   = s.cfg.idle()
		lastRx time.Time
	)
	for {
		n, err := s.port.Read(buf)
		now := time.Now()
		if n > 0 {
			metrics.AddRxBytes(n)
			resp.Raw = append(resp.Raw, buf[:n]...)
			lastRx = now
			if bytes.IndexByte(buf[:n], Prompt) >= 0 {
				resp.Stop = StopPrompt
				return nil
			}
		}
		if !transport.Idle(err) {
			metrics.IncError(metrics.ErrTransportRead)
			s.failLocked("transport_read_error", err)
			return fmt.Errorf("elm: read reply to %q: %w", resp.Command, err)
		}
		if !now.Before(deadline) {
			resp.Stop = StopTimeout
			return nil
		}
		if n == 0 && !lastRx.IsZero() && now.Sub(lastRx) >= idle {
			resp.Stop = StopIdle
			return nil
		}
		if n == 0 {
			sleepFn(s.cfg.PollInterval)
		}
	}
}
