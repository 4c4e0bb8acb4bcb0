// Package diag is the transaction engine: it turns one diagnostic request
// into exactly one classified outcome over an adapter session, and offers
// typed OBD-II and UDS helpers on top.
package diag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kstaniek/go-elm327-diag/internal/decode"
	"github.com/kstaniek/go-elm327-diag/internal/elm"
	"github.com/kstaniek/go-elm327-diag/internal/logging"
	"github.com/kstaniek/go-elm327-diag/internal/metrics"
)

// ErrInvalidCommand is returned for requests that are not hex digit pairs.
var ErrInvalidCommand = errors.New("diag: invalid command")

const (
	// DefaultPendingTimeout bounds each wait after a response-pending notice
	// (UDS P2* server time).
	DefaultPendingTimeout = 5 * time.Second
	defaultMaxPending     = 8
)

// Adapter is the session surface the engine needs; *elm.Session implements it.
type Adapter interface {
	Exchange(ctx context.Context, cmd string, timeout time.Duration) (elm.Response, error)
	Continue(ctx context.Context, prev elm.Response, timeout time.Duration) (elm.Response, error)
	Config() elm.Config
}

// Transaction is one completed request/response exchange.
type Transaction struct {
	Command string
	Raw     []byte
	Elapsed time.Duration
	Stop    elm.StopReason
	Outcome Outcome
}

// Engine issues requests through an Adapter. It is as concurrency-safe as
// the adapter: overlapping calls on one session fail with elm.ErrBusy.
type Engine struct {
	a              Adapter
	log            *slog.Logger
	timeout        time.Duration
	pendingTimeout time.Duration
	maxPending     int
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithTimeout sets the timeout used by helpers and by Send calls with
// timeout <= 0 (default: the session command timeout).
func WithTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }

// WithPendingTimeout sets how long to wait for the final answer after each
// 7F xx 78 notice.
func WithPendingTimeout(d time.Duration) Option { return func(e *Engine) { e.pendingTimeout = d } }

// New returns an Engine over a.
func New(a Adapter, opts ...Option) *Engine {
	e := &Engine{a: a, pendingTimeout: DefaultPendingTimeout, maxPending: defaultMaxPending}
	for _, o := range opts {
		o(e)
	}
	e.log = logging.Or(e.log, "diag")
	return e
}

// ParseCommand validates a diagnostic request ("2201 00" and "220100" are
// equivalent) and returns it compacted with its service id.
func ParseCommand(cmd string) (string, byte, error) {
	c := decode.CleanHex(cmd)
	if strings.HasPrefix(c, "AT") {
		return "", 0, fmt.Errorf("%w: %q is an AT command, use SendRaw", ErrInvalidCommand, cmd)
	}
	b, err := decode.ParseHex(c)
	if err != nil || len(b) == 0 {
		return "", 0, fmt.Errorf("%w: %q must be hex digit pairs", ErrInvalidCommand, cmd)
	}
	return c, b[0], nil
}

// Send writes one diagnostic request and classifies the reply. Per-request
// outcomes (NoData, Negative, Timeout, Malformed) are values in the
// returned Transaction; the error is only set for invalid commands,
// cancellation before the write, and session or transport failures.
//
// A response-pending notice (7F xx 78) extends the wait for the final
// answer; that wait is not interrupted by ctx.
func (e *Engine) Send(ctx context.Context, cmd string, timeout time.Duration) (Transaction, error) {
	c, sid, err := ParseCommand(cmd)
	if err != nil {
		return Transaction{Command: cmd}, err
	}
	if timeout <= 0 {
		timeout = e.timeout
	}
	resp, err := e.a.Exchange(ctx, c, timeout)
	if err != nil {
		return Transaction{Command: c}, err
	}
	f := FramingFor(e.a.Config())
	n := Normalize(resp.Raw, c, f)
	for i := 0; n.Pending > 0 && !n.Final() && resp.Stop != elm.StopPrompt && i < e.maxPending; i++ {
		e.log.Debug("response_pending", "cmd", c, "count", n.Pending)
		resp, err = e.a.Continue(context.WithoutCancel(ctx), resp, e.pendingTimeout)
		if err != nil {
			return Transaction{Command: c, Elapsed: resp.Elapsed}, err
		}
		n = Normalize(resp.Raw, c, f)
	}
	tx := Transaction{
		Command: c,
		Raw:     resp.Raw,
		Elapsed: resp.Elapsed,
		Stop:    resp.Stop,
		Outcome: Classify(n, sid, resp.Stop),
	}
	metrics.ObserveTransaction(tx.Outcome.Kind.metricLabel(), tx.Elapsed)
	e.log.Debug("transaction", "cmd", c, "outcome", tx.Outcome.Kind.String(), "stop", tx.Stop.String(), "elapsed", tx.Elapsed)
	return tx, nil
}

// SendRaw sends any command (typically AT) and returns the reply text with
// echo and prompt removed, one line per adapter line. No classification.
func (e *Engine) SendRaw(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	resp, err := e.a.Exchange(ctx, cmd, timeout)
	if err != nil {
		return "", err
	}
	metrics.ObserveTransaction(metrics.OutcomeRaw, resp.Elapsed)
	return resp.Text(), nil
}
