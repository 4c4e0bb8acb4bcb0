// Package elm owns the ELM327 adapter session: it opens the transport,
// brings the adapter into a known state and holds the CAN addressing used by
// every later transaction. Commands are strictly sequential.
package elm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-elm327-diag/internal/logging"
	"github.com/kstaniek/go-elm327-diag/internal/metrics"
	"github.com/kstaniek/go-elm327-diag/internal/transport"
)

// sleepFn allows tests to intercept poll sleeps.
var sleepFn = time.Sleep

// openPort is a hook for tests (overridden by WithOpener).
var openPort = transport.Open

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger (default logging.For("elm")).
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.log = l } }

// WithOpener replaces the transport opener, e.g. with a transporttest.Fake.
func WithOpener(fn func(transport.Config) (transport.Port, error)) Option {
	return func(s *Session) { s.open = fn }
}

// Session is an open adapter connection. Methods are safe to call from
// several goroutines, but only one exchange runs at a time; an overlapping
// call fails with ErrBusy.
type Session struct {
	mu    sync.Mutex // held for the duration of one exchange
	state atomic.Int32
	cfg   Config
	port  transport.Port
	open  func(transport.Config) (transport.Port, error)
	log   *slog.Logger

	banner string
}

// Open opens the transport and checks that the adapter answers a reset.
// On return the session is in StateOpening; call Initialize next (or use Dial).
func Open(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg, open: openPort}
	for _, o := range opts {
		o(s)
	}
	s.log = logging.Or(s.log, "elm")

	s.setState(StateOpening)
	p, err := s.open(cfg.Transport)
	if err != nil {
		s.setState(StateClosed)
		err = fmt.Errorf("%w: open %s %s: %w", ErrConnection, cfg.Transport.Driver, cfg.Transport.Name, err)
		countErr(err)
		return nil, err
	}
	s.port = p
	s.log.Info("transport_open", "driver", cfg.Transport.Driver, "port", cfg.Transport.Name, "baud", cfg.Transport.Baud)

	s.mu.Lock()
	defer s.mu.Unlock()
	resp, err := s.exchangeLocked(ctx, "ATZ", cfg.ResetTimeout)
	if err != nil {
		s.failLocked("adapter_reset_failed", err)
		err = fmt.Errorf("%w: reset: %w", ErrConnection, err)
		countErr(err)
		return nil, err
	}
	lines := resp.Lines()
	if len(lines) == 0 {
		s.failLocked("adapter_reset_failed", fmt.Errorf("no reply within %s", cfg.ResetTimeout))
		err := fmt.Errorf("%w: no reply to reset within %s", ErrConnection, cfg.ResetTimeout)
		countErr(err)
		return nil, err
	}
	s.banner = bannerFrom(lines)
	s.log.Info("adapter_reset", "banner", s.banner, "elapsed", resp.Elapsed)
	return s, nil
}

// Dial is Open followed by Initialize.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	s, err := Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func bannerFrom(lines []string) string {
	for _, l := range lines {
		if strings.Contains(strings.ToUpper(l), "ELM") {
			return l
		}
	}
	return lines[len(lines)-1]
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	metrics.SetSessionState(int(st))
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Ready reports whether transactions may be issued.
func (s *Session) Ready() bool { return s.State() == StateReady }

// Config returns a copy of the current configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Version returns the banner printed by the adapter on reset, e.g. "ELM327 v1.5".
func (s *Session) Version() string { return s.banner }

type initStep struct {
	name string
	cmd  string
}

func (s *Session) initSteps() []initStep {
	echo := "ATE0"
	if s.cfg.Echo {
		echo = "ATE1"
	}
	headers := "ATH0"
	if s.cfg.Headers {
		headers = "ATH1"
	}
	return []initStep{
		{"reset", "ATZ"},
		{"echo", echo},
		{"linefeeds_off", "ATL0"},
		{"spaces_off", "ATS0"},
		{"headers", headers},
	}
}

// Initialize runs the fixed init sequence: reset, echo, line feeds off,
// spaces off, headers and protocol select. Each step except the protocol
// select is best-effort and only logged on failure; the protocol select must
// produce a non-empty reply or ErrAdapterNotResponding is returned. Optional
// timing, CAN auto-format and addressing from the config are applied last.
// Any error closes the session.
func (s *Session) Initialize(ctx context.Context) error {
	if !s.mu.TryLock() {
		return ErrBusy
	}
	defer s.mu.Unlock()
	switch st := s.State(); st {
	case StateOpening, StateReady:
	default:
		return fmt.Errorf("%w: initialize in state %s", ErrInvalidState, st)
	}
	s.setState(StateInitializing)

	for _, st := range s.initSteps() {
		timeout := s.cfg.CommandTimeout
		if st.cmd == "ATZ" {
			timeout = s.cfg.ResetTimeout
		}
		resp, err := s.exchangeLocked(ctx, st.cmd, timeout)
		if err != nil {
			// Only cancellation and transport failures get here.
			return s.initFailed(err)
		}
		if resp.Rejected() || len(resp.Lines()) == 0 {
			s.log.Warn("init_step_failed", "step", st.name, "cmd", st.cmd, "reply", resp.Text())
		}
	}

	probe := "ATSP" + compact(s.cfg.Protocol)
	resp, err := s.exchangeLocked(ctx, probe, s.cfg.CommandTimeout)
	if err != nil {
		return s.initFailed(err)
	}
	if len(resp.Lines()) == 0 {
		return s.initFailed(fmt.Errorf("%w: no reply to %s", ErrAdapterNotResponding, probe))
	}
	if resp.Rejected() {
		return s.initFailed(fmt.Errorf("%w: %w: %s", ErrAdapterNotResponding, ErrCommandRejected, probe))
	}

	var extra []string
	if s.cfg.Timing > 0 {
		extra = append(extra, fmt.Sprintf("ATST%02X", s.cfg.Timing))
	}
	if !s.cfg.CANAutoFormat {
		extra = append(extra, "ATCAF0")
	}
	for _, cmd := range extra {
		if err := s.configLocked(ctx, cmd); err != nil {
			return s.initFailed(err)
		}
	}
	if !s.cfg.Addressing.IsZero() {
		if err := s.applyAddressingLocked(ctx, s.cfg.Addressing); err != nil {
			return s.initFailed(err)
		}
	}
	s.setState(StateReady)
	s.log.Info("adapter_ready", "protocol", s.cfg.Protocol, "headers", s.cfg.Headers, "request_header", s.cfg.Addressing.RequestHeader)
	return nil
}

func (s *Session) initFailed(err error) error {
	countErr(err)
	s.failLocked("adapter_init_failed", err)
	return err
}

// configLocked sends an AT configuration command and checks the reply.
func (s *Session) configLocked(ctx context.Context, cmd string) error {
	resp, err := s.exchangeLocked(ctx, cmd, s.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if resp.Rejected() {
		return fmt.Errorf("%w: %s", ErrCommandRejected, cmd)
	}
	if len(resp.Lines()) == 0 {
		return fmt.Errorf("%w: no reply to %s", ErrAdapterNotResponding, cmd)
	}
	return nil
}

// SetAddressing reconfigures request, response and flow-control headers for
// all following transactions. Fields left empty are not sent. The stored
// configuration is updated only when every command was accepted; on
// ErrCommandRejected the session stays Ready but the adapter may hold a
// partial update.
func (s *Session) SetAddressing(ctx context.Context, a Addressing) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return s.configure(ctx, func() error { return s.applyAddressingLocked(ctx, a) })
}

// SetProtocol selects a new protocol (ATSP).
func (s *Session) SetProtocol(ctx context.Context, p string) error {
	if err := checkProtocol(p); err != nil {
		return err
	}
	return s.configure(ctx, func() error {
		if err := s.configLocked(ctx, "ATSP"+compact(p)); err != nil {
			return err
		}
		s.cfg.Protocol = compact(p)
		s.log.Info("adapter_protocol", "protocol", s.cfg.Protocol, "name", ProtocolName(s.cfg.Protocol))
		return nil
	})
}

// configure runs fn in StateConfiguring and returns to Ready. Rejections
// keep the session usable; transport failures have already closed it.
func (s *Session) configure(ctx context.Context, fn func() error) error {
	if !s.mu.TryLock() {
		return ErrBusy
	}
	defer s.mu.Unlock()
	if st := s.State(); st != StateReady {
		if st == StateClosed {
			return ErrClosed
		}
		return fmt.Errorf("%w: configure in state %s", ErrInvalidState, st)
	}
	s.setState(StateConfiguring)
	err := fn()
	if s.State() == StateConfiguring {
		s.setState(StateReady)
	}
	if err != nil {
		countErr(err)
		s.log.Warn("adapter_config_failed", "error", err)
	}
	return err
}

func (s *Session) applyAddressingLocked(ctx context.Context, a Addressing) error {
	var cmds []string
	if a.RequestHeader != "" {
		cmds = append(cmds, "ATSH"+compact(a.RequestHeader))
	}
	if a.ResponseHeader != "" {
		cmds = append(cmds, "ATCRA"+compact(a.ResponseHeader))
	}
	if a.FlowControlHeader != "" {
		cmds = append(cmds, "ATFCSH"+compact(a.FlowControlHeader))
	}
	if a.FlowControlData != "" {
		cmds = append(cmds, "ATFCSD"+compact(a.FlowControlData))
	}
	if a.FlowControlHeader != "" || a.FlowControlData != "" {
		cmds = append(cmds, "ATFCSM1")
	}
	for _, cmd := range cmds {
		if err := s.configLocked(ctx, cmd); err != nil {
			return err
		}
	}
	merged := s.cfg.Addressing
	if a.RequestHeader != "" {
		merged.RequestHeader = compact(a.RequestHeader)
	}
	if a.ResponseHeader != "" {
		merged.ResponseHeader = compact(a.ResponseHeader)
	}
	if a.FlowControlHeader != "" {
		merged.FlowControlHeader = compact(a.FlowControlHeader)
	}
	if a.FlowControlData != "" {
		merged.FlowControlData = compact(a.FlowControlData)
	}
	s.cfg.Addressing = merged
	s.log.Info("adapter_addressing", "request", merged.RequestHeader, "response", merged.ResponseHeader, "fc_header", merged.FlowControlHeader, "fc_data", merged.FlowControlData)
	return nil
}

// Addressing returns the headers currently configured.
func (s *Session) Addressing() Addressing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Addressing
}

// Voltage reads the supply voltage seen by the adapter (ATRV).
func (s *Session) Voltage(ctx context.Context) (float64, error) {
	resp, err := s.Exchange(ctx, "ATRV", 0)
	if err != nil {
		return 0, err
	}
	for _, l := range resp.Lines() {
		v := strings.TrimSuffix(strings.ToUpper(l), "V")
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: unexpected ATRV reply %q", ErrAdapterNotResponding, resp.Text())
}

// ProtocolNumber returns the active protocol (ATDPN), e.g. "A6" when found
// by automatic search.
func (s *Session) ProtocolNumber(ctx context.Context) (string, error) {
	resp, err := s.Exchange(ctx, "ATDPN", 0)
	if err != nil {
		return "", err
	}
	lines := resp.Lines()
	if len(lines) == 0 || resp.Rejected() {
		return "", fmt.Errorf("%w: unexpected ATDPN reply %q", ErrAdapterNotResponding, resp.Text())
	}
	return compact(lines[len(lines)-1]), nil
}

// Close releases the transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.port == nil {
		s.setState(StateClosed)
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.setState(StateClosed)
	s.log.Info("transport_closed")
	return err
}

// failLocked logs err and moves to Closed, releasing the transport.
func (s *Session) failLocked(event string, err error) {
	if !s.State().holdsTransport() {
		return
	}
	s.log.Error(event, "error", err, "state", s.State().String())
	_ = s.closeLocked()
}
