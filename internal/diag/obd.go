package diag

import (
	"context"
	"fmt"
	"strings"

	"github.com/kstaniek/go-elm327-diag/internal/decode"
)

// OBD-II modes (SAE J1979).
const (
	ModeCurrentData      = 0x01
	ModeStoredDTCs       = 0x03
	ModeClearDTCs        = 0x04
	ModePendingDTCs      = 0x07
	ModeVehicleInfo      = 0x09
	ModePermanentDTCs    = 0x0A
	InfoVIN              = 0x02
	PIDSupported01To20   = 0x00
	PIDCoolantTemp       = 0x05
	PIDEngineRPM         = 0x0C
	PIDVehicleSpeed      = 0x0D
	PIDControlModuleVolt = 0x42
)

// pidSignals are the SAE J1979 formulas for a few common mode 01 PIDs.
var pidSignals = map[byte]decode.BitFieldSpec{
	PIDCoolantTemp:       {Name: "coolant_temp", BitLength: 8, Scaling: &decode.Scaling{Factor: 1, Offset: -40}, Unit: "°C"},
	PIDEngineRPM:         {Name: "engine_rpm", BitLength: 16, Scaling: &decode.Scaling{Factor: 0.25}, Unit: "rpm"},
	PIDVehicleSpeed:      {Name: "vehicle_speed", BitLength: 8, Unit: "km/h"},
	PIDControlModuleVolt: {Name: "control_module_voltage", BitLength: 16, Scaling: &decode.Scaling{Factor: 0.001}, Unit: "V"},
}

// PIDSignal returns the standard formula for pid, if known.
func PIDSignal(pid byte) (decode.BitFieldSpec, bool) {
	s, ok := pidSignals[pid]
	return s, ok
}

// ReadPID requests mode 01 for pid.
func (e *Engine) ReadPID(ctx context.Context, pid byte) (Transaction, error) {
	return e.Send(ctx, fmt.Sprintf("%02X%02X", ModeCurrentData, pid), 0)
}

// PIDData returns the data bytes after the echoed PID of a positive mode 01
// outcome.
func PIDData(o Outcome, pid byte) ([]byte, error) {
	if o.Kind != Positive {
		return nil, fmt.Errorf("%w: %s", decode.ErrDecode, o)
	}
	b, err := o.PayloadBytes()
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || b[0] != pid {
		return nil, fmt.Errorf("%w: reply does not echo pid %02X", decode.ErrDecode, pid)
	}
	return b[1:], nil
}

// ReadDTCs reads stored trouble codes (mode 03).
func (e *Engine) ReadDTCs(ctx context.Context) ([]decode.DTCRecord, Transaction, error) {
	return e.readDTCs(ctx, ModeStoredDTCs)
}

// ReadPendingDTCs reads pending trouble codes (mode 07).
func (e *Engine) ReadPendingDTCs(ctx context.Context) ([]decode.DTCRecord, Transaction, error) {
	return e.readDTCs(ctx, ModePendingDTCs)
}

// ReadPermanentDTCs reads permanent trouble codes (mode 0A).
func (e *Engine) ReadPermanentDTCs(ctx context.Context) ([]decode.DTCRecord, Transaction, error) {
	return e.readDTCs(ctx, ModePermanentDTCs)
}

// readDTCs decodes every positive message of a DTC request. On CAN the
// first data byte is the code count; it is recognized by an odd data
// length whose first byte equals the number of pairs that follow.
func (e *Engine) readDTCs(ctx context.Context, mode byte) ([]decode.DTCRecord, Transaction, error) {
	tx, err := e.Send(ctx, fmt.Sprintf("%02X", mode), 0)
	if err != nil || tx.Outcome.Kind != Positive {
		return nil, tx, err
	}
	recs := []decode.DTCRecord{}
	for _, m := range tx.Outcome.Messages {
		b, err := decode.ParseHex(m)
		if err != nil {
			return nil, tx, fmt.Errorf("%w: %w", decode.ErrDecode, err)
		}
		recs = append(recs, decode.DTCPairs(stripDTCCount(b[1:]))...)
	}
	e.log.Debug("dtcs_read", "mode", mode, "count", len(recs))
	return recs, tx, nil
}

func stripDTCCount(b []byte) []byte {
	if len(b)%2 == 1 && int(b[0]) == (len(b)-1)/2 {
		return b[1:]
	}
	return b
}

// ClearDTCs clears stored codes and freeze frames (mode 04).
func (e *Engine) ClearDTCs(ctx context.Context) (Transaction, error) {
	return e.Send(ctx, fmt.Sprintf("%02X", ModeClearDTCs), 0)
}

// ReadVIN requests mode 09 PID 02 and decodes the VIN. A non-positive
// outcome returns an empty VIN and no error.
func (e *Engine) ReadVIN(ctx context.Context) (string, Transaction, error) {
	tx, err := e.Send(ctx, fmt.Sprintf("%02X%02X", ModeVehicleInfo, InfoVIN), 0)
	if err != nil || tx.Outcome.Kind != Positive {
		return "", tx, err
	}
	vin, err := decode.DecodeVIN(strings.Join(tx.Outcome.Messages, ""))
	return vin, tx, err
}
