package bridge

import (
	"errors"

	"github.com/kstaniek/go-elm327-diag/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("bridge: listen")
	ErrAccept    = errors.New("bridge: accept")
	ErrConnRead  = errors.New("bridge: conn_read")
	ErrConnWrite = errors.New("bridge: conn_write")
	ErrSession   = errors.New("bridge: session")
	ErrContext   = errors.New("bridge: context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrBridgeRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrBridgeWrite
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
