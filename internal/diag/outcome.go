package diag

import (
	"fmt"

	"github.com/kstaniek/go-elm327-diag/internal/decode"
	"github.com/kstaniek/go-elm327-diag/internal/metrics"
)

// Kind is the classification of one transaction.
type Kind uint8

const (
	// Positive: the first byte is the requested service + 0x40.
	Positive Kind = iota + 1
	// Negative: a 7F <sid> <nrc> reply.
	Negative
	// NoData: the adapter printed NO DATA or an empty reply before its prompt.
	NoData
	// Timeout: nothing usable arrived before the deadline.
	Timeout
	// Malformed: garbled or partial output, or an adapter error message.
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	case NoData:
		return "no_data"
	case Timeout:
		return "timeout"
	case Malformed:
		return "malformed"
	default:
		return "unclassified"
	}
}

func (k Kind) metricLabel() string {
	switch k {
	case Positive:
		return metrics.OutcomePositive
	case Negative:
		return metrics.OutcomeNegative
	case NoData:
		return metrics.OutcomeNoData
	case Timeout:
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeMalformed
	}
}

// Outcome is derived from the whole normalized reply; it is never built
// from a partial one.
type Outcome struct {
	Kind Kind
	// ServiceEcho is the response service byte for Positive (sid+0x40) and
	// the rejected service id for Negative.
	ServiceEcho byte
	// Payload is the first positive message without its service byte, as
	// contiguous uppercase hex.
	Payload string
	NRC     byte
	// Detail carries adapter error text for Malformed and a reason for Timeout.
	Detail string
	// Messages are the de-framed hex messages the outcome was derived from,
	// service byte included.
	Messages []string
}

// Retryable reports whether resending the same command may help.
func (o Outcome) Retryable() bool {
	switch o.Kind {
	case Timeout, Malformed:
		return true
	case Negative:
		return o.NRC == nrcBusyRepeatRequest
	default:
		return false
	}
}

// PayloadBytes decodes Payload.
func (o Outcome) PayloadBytes() ([]byte, error) { return decode.ParseHex(o.Payload) }

func (o Outcome) String() string {
	switch o.Kind {
	case Positive:
		return fmt.Sprintf("positive %02X %s", o.ServiceEcho, o.Payload)
	case Negative:
		return fmt.Sprintf("negative %s: %s (0x%02X)", decode.ServiceName(o.ServiceEcho), decode.NRCName(o.NRC), o.NRC)
	case Malformed, Timeout:
		if o.Detail != "" {
			return o.Kind.String() + ": " + o.Detail
		}
	}
	return o.Kind.String()
}

const (
	negativeResponse     = 0x7F
	positiveOffset       = 0x40
	nrcBusyRepeatRequest = 0x21
)
