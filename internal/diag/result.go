package diag

import (
	"encoding/json"
	"fmt"

	"github.com/kstaniek/go-elm327-diag/internal/decode"
)

// Result is the JSON document printed by the command line tools:
// success, then dtcs, vin or value on success and error on failure.
type Result struct {
	Success bool   `json:"success"`
	Command string `json:"command,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Payload string `json:"payload,omitempty"`
	NRC     string `json:"nrc,omitempty"`

	DTCs    []decode.DTCRecord `json:"-"`
	UDSDTCs []decode.UDSDTC    `json:"uds_dtcs,omitempty"`
	VIN     string             `json:"vin,omitempty"`
	Value   any                `json:"value,omitempty"`
	Unit    string             `json:"unit,omitempty"`
	// Data carries command-specific extras (scan findings, adapter info).
	Data any `json:"data,omitempty"`

	Error string `json:"error,omitempty"`
}

// MarshalJSON keeps an empty dtcs list ("no codes") distinct from an absent one.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	out := struct {
		alias
		DTCs *[]decode.DTCRecord `json:"dtcs,omitempty"`
	}{alias: alias(r)}
	if r.DTCs != nil {
		out.DTCs = &r.DTCs
	}
	return json.Marshal(out)
}

// FromTransaction fills the outcome fields; only a positive outcome is a success.
func FromTransaction(tx Transaction) Result {
	r := Result{
		Success: tx.Outcome.Kind == Positive,
		Command: tx.Command,
		Outcome: tx.Outcome.Kind.String(),
		Payload: tx.Outcome.Payload,
	}
	switch tx.Outcome.Kind {
	case Positive:
	case Negative:
		r.NRC = fmt.Sprintf("%02X", tx.Outcome.NRC)
		r.Error = tx.Outcome.String()
	default:
		r.Error = tx.Outcome.String()
	}
	return r
}

// FromError reports a failed command.
func FromError(cmd string, err error) Result {
	return Result{Command: cmd, Error: err.Error()}
}

// WithDTCs attaches decoded trouble codes (an empty list when none).
func (r Result) WithDTCs(recs []decode.DTCRecord) Result {
	if recs == nil {
		recs = []decode.DTCRecord{}
	}
	r.DTCs = recs
	return r
}

// WithValue attaches a decoded bit field.
func (r Result) WithValue(v decode.Value) Result {
	r.Value = v.Interface()
	r.Unit = v.Unit
	return r
}

// WithDecodeError marks a positive transaction whose payload could not be decoded.
func (r Result) WithDecodeError(err error) Result {
	r.Success = false
	r.Error = err.Error()
	return r
}
