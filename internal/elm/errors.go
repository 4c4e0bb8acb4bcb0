package elm

import (
	"errors"

	"github.com/kstaniek/go-elm327-diag/internal/metrics"
	"github.com/kstaniek/go-elm327-diag/internal/transport"
)

// Sentinel errors returned by Session methods. Match with errors.Is.
var (
	// ErrConnection: the transport could not be opened or the adapter did not
	// answer the reset command.
	ErrConnection = errors.New("elm: connection failed")
	// ErrAdapterNotResponding: initialization got no usable reply.
	ErrAdapterNotResponding = errors.New("elm: adapter not responding")
	ErrClosed               = errors.New("elm: session closed")
	// ErrBusy: another exchange is in flight; the adapter has no request ids
	// so commands must never overlap.
	ErrBusy = errors.New("elm: session busy")
	// ErrCommandRejected: the adapter answered "?" to a configuration command.
	ErrCommandRejected = errors.New("elm: command rejected")
	ErrInvalidState    = errors.New("elm: invalid session state")
	ErrInvalidConfig   = errors.New("elm: invalid config")
)

// mapErrToMetric returns the metrics error label for a session error.
func mapErrToMetric(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnection), errors.Is(err, transport.ErrUnknownDriver):
		return metrics.ErrTransportOpen
	case errors.Is(err, ErrAdapterNotResponding):
		return metrics.ErrAdapterInit
	case errors.Is(err, ErrCommandRejected):
		return metrics.ErrAdapterConfig
	default:
		return ""
	}
}

func countErr(err error) {
	if lbl := mapErrToMetric(err); lbl != "" {
		metrics.IncError(lbl)
	}
}
