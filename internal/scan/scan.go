// Package scan discovers which data identifiers an ECU answers positively
// by sweeping identifier ranges through the transaction engine.
package scan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/kstaniek/go-elm327-diag/internal/decode"
	"github.com/kstaniek/go-elm327-diag/internal/diag"
	"github.com/kstaniek/go-elm327-diag/internal/logging"
	"github.com/kstaniek/go-elm327-diag/internal/metrics"
)

// DefaultTimeout is the per-identifier timeout. It is far shorter than a
// normal read: most identifiers in a sweep are absent and a fast negative
// turnaround dominates total scan time.
const DefaultTimeout = 50 * time.Millisecond

var (
	ErrInvalidRange = errors.New("scan: invalid range")
	errRetryable    = errors.New("scan: retryable outcome")
)

// now is a hook for tests.
var now = time.Now

// Sender issues one classified request; *diag.Engine implements it.
type Sender interface {
	Send(ctx context.Context, cmd string, timeout time.Duration) (diag.Transaction, error)
}

// Finding is one identifier that answered positively.
type Finding struct {
	DID   uint16    `json:"did"`
	Raw   string    `json:"raw"` // positive response, service byte first
	Label string    `json:"label,omitempty"`
	At    time.Time `json:"at"`
}

// Data returns the record after the response service byte and identifier echo.
func (f Finding) Data() ([]byte, error) {
	b, err := decode.ParseHex(f.Raw)
	if err != nil {
		return nil, err
	}
	if len(b) < 3 {
		return nil, fmt.Errorf("%w: finding %04X shorter than its echo", decode.ErrDecode, f.DID)
	}
	return b[3:], nil
}

// Progress is reported after every probe.
type Progress struct {
	DID     uint16
	Done    int
	Total   int
	Outcome diag.Kind
}

// Scanner sweeps identifier ranges. A Scanner holds no per-scan state and
// may be reused; scans on one session must not overlap.
type Scanner struct {
	s          Sender
	service    byte
	timeout    time.Duration
	label      string
	retries    int
	retryDelay time.Duration
	progress   func(Progress)
	log        *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithService sets the request service id (default 0x22 ReadDataByIdentifier).
func WithService(sid byte) Option { return func(s *Scanner) { s.service = sid } }

// WithTimeout sets the per-identifier timeout.
func WithTimeout(d time.Duration) Option { return func(s *Scanner) { s.timeout = d } }

// WithLabel labels findings of ScanRange.
func WithLabel(l string) Option { return func(s *Scanner) { s.label = l } }

// WithRetries re-probes an identifier up to n more times while its outcome
// is retryable (Timeout, Malformed, busyRepeatRequest).
func WithRetries(n int, delay time.Duration) Option {
	return func(s *Scanner) { s.retries, s.retryDelay = n, delay }
}

// WithProgress registers a callback run after every probe.
func WithProgress(fn func(Progress)) Option { return func(s *Scanner) { s.progress = fn } }

func WithLogger(l *slog.Logger) Option { return func(s *Scanner) { s.log = l } }

// New returns a Scanner sending through snd.
func New(snd Sender, opts ...Option) *Scanner {
	s := &Scanner{s: snd, service: diag.SIDReadDataByIdentifier, timeout: DefaultTimeout}
	for _, o := range opts {
		o(s)
	}
	s.log = logging.Or(s.log, "scan")
	return s
}

// ScanRange probes every identifier from start to end inclusive in
// ascending order and yields each positive one as it is found. Negative,
// NoData and exhausted retryable outcomes are skipped. A transport or
// session failure, or ctx cancellation (checked between identifiers only),
// is yielded once as an error and ends the sequence; findings already
// yielded stand.
func (s *Scanner) ScanRange(ctx context.Context, start, end uint16) iter.Seq2[Finding, error] {
	return s.ScanRanges(ctx, []Range{{Start: start, End: end, Label: s.label}})
}

// ScanRanges scans ranges one after another.
func (s *Scanner) ScanRanges(ctx context.Context, ranges []Range) iter.Seq2[Finding, error] {
	return func(yield func(Finding, error) bool) {
		total := 0
		for _, r := range ranges {
			if r.Start > r.End {
				yield(Finding{}, fmt.Errorf("%w: %04X > %04X", ErrInvalidRange, r.Start, r.End))
				return
			}
			total += r.Len()
		}
		done, found := 0, 0
		begin := time.Now()
		for _, r := range ranges {
			s.log.Info("scan_range_start", "start", fmt.Sprintf("%04X", r.Start), "end", fmt.Sprintf("%04X", r.End), "label", r.Label, "service", fmt.Sprintf("%02X", s.service))
			// uint32 so that End == 0xFFFF terminates.
			for id := uint32(r.Start); id <= uint32(r.End); id++ {
				did := uint16(id)
				if err := ctx.Err(); err != nil {
					s.log.Info("scan_canceled", "did", fmt.Sprintf("%04X", did), "done", done, "found", found)
					yield(Finding{}, err)
					return
				}
				tx, err := s.probe(ctx, did)
				done++
				metrics.IncScanProbe()
				if err != nil {
					metrics.IncError(metrics.ErrScan)
					s.log.Error("scan_aborted", "did", fmt.Sprintf("%04X", did), "done", done, "found", found, "error", err)
					yield(Finding{}, fmt.Errorf("scan %04X: %w", did, err))
					return
				}
				if s.progress != nil {
					s.progress(Progress{DID: did, Done: done, Total: total, Outcome: tx.Outcome.Kind})
				}
				if !s.isFinding(tx, did) {
					continue
				}
				f := Finding{DID: did, Raw: tx.Outcome.Messages[0], Label: r.Label, At: now()}
				found++
				metrics.IncScanFinding()
				s.log.Info("scan_finding", "did", fmt.Sprintf("%04X", did), "raw", f.Raw, "label", r.Label)
				if !yield(f, nil) {
					return
				}
			}
		}
		s.log.Info("scan_done", "probed", done, "found", found, "elapsed", time.Since(begin))
	}
}

func (s *Scanner) isFinding(tx diag.Transaction, did uint16) bool {
	if tx.Outcome.Kind != diag.Positive {
		return false
	}
	if s.service != diag.SIDReadDataByIdentifier {
		return true
	}
	b, err := tx.Outcome.PayloadBytes()
	if err != nil || len(b) < 2 || binary.BigEndian.Uint16(b) != did {
		// A reply for another identifier is a late answer to an earlier probe.
		s.log.Debug("scan_echo_mismatch", "did", fmt.Sprintf("%04X", did), "payload", tx.Outcome.Payload)
		return false
	}
	return true
}

// probe sends one request, re-sending while the outcome is retryable and
// attempts remain.
func (s *Scanner) probe(ctx context.Context, did uint16) (diag.Transaction, error) {
	cmd := diag.DIDCommand(s.service, did)
	if s.retries <= 0 {
		return s.s.Send(ctx, cmd, s.timeout)
	}
	var tx diag.Transaction
	err := retry.Do(func() error {
		var err error
		tx, err = s.s.Send(ctx, cmd, s.timeout)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if tx.Outcome.Retryable() {
			return errRetryable
		}
		return nil
	},
		retry.DelayType(retry.FixedDelay),
		retry.Delay(s.retryDelay),
		retry.Attempts(uint(s.retries)+1),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug("scan_retry", "did", fmt.Sprintf("%04X", did), "attempt", n+1, "outcome", tx.Outcome.Kind.String())
		}),
	)
	if err != nil && !errors.Is(err, errRetryable) {
		return tx, err
	}
	return tx, nil
}

// Collect drains seq. On error it returns the findings gathered before it.
func Collect(seq iter.Seq2[Finding, error]) ([]Finding, error) {
	var out []Finding
	for f, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}
