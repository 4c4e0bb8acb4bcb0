package diag

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-elm327-diag/internal/decode"
)

// UDS service ids (ISO 14229-1).
const (
	SIDDiagnosticSessionControl = 0x10
	SIDReadDTCInformation       = 0x19
	SIDReadDataByIdentifier     = 0x22
	SIDTesterPresent            = 0x3E
)

// Diagnostic session types for DiagnosticSessionControl.
const (
	SessionDefault     = 0x01
	SessionProgramming = 0x02
	SessionExtended    = 0x03
)

// DIDCommand builds sid followed by the big-endian identifier, e.g. "22F190".
func DIDCommand(sid byte, did uint16) string { return fmt.Sprintf("%02X%04X", sid, did) }

// ReadDID issues ReadDataByIdentifier for did.
func (e *Engine) ReadDID(ctx context.Context, did uint16) (Transaction, error) {
	return e.Send(ctx, DIDCommand(SIDReadDataByIdentifier, did), 0)
}

// DIDData returns the data record after the echoed identifier.
func DIDData(o Outcome, did uint16) ([]byte, error) {
	if o.Kind != Positive {
		return nil, fmt.Errorf("%w: %s", decode.ErrDecode, o)
	}
	b, err := o.PayloadBytes()
	if err != nil {
		return nil, err
	}
	if len(b) < 2 || binary.BigEndian.Uint16(b) != did {
		return nil, fmt.Errorf("%w: reply does not echo identifier %04X", decode.ErrDecode, did)
	}
	return b[2:], nil
}

// ReadDTCInformation issues 19 02 <mask> (reportDTCByStatusMask) and
// decodes the first positive message.
func (e *Engine) ReadDTCInformation(ctx context.Context, mask byte) (decode.UDSDTCReport, Transaction, error) {
	tx, err := e.Send(ctx, fmt.Sprintf("%02X%02X%02X", SIDReadDTCInformation, decode.ReportDTCByStatusMask, mask), 0)
	if err != nil || tx.Outcome.Kind != Positive {
		return decode.UDSDTCReport{}, tx, err
	}
	rep, err := decode.DecodeUDSDTCs(tx.Outcome.Messages[0])
	for _, d := range rep.DTCs {
		e.log.Debug("uds_dtc", "code", d.String(), "status", decode.FormatFlags(d.Status))
	}
	return rep, tx, err
}

// DiagnosticSessionControl switches the ECU to session type t.
func (e *Engine) DiagnosticSessionControl(ctx context.Context, t byte) (Transaction, error) {
	return e.Send(ctx, fmt.Sprintf("%02X%02X", SIDDiagnosticSessionControl, t), 0)
}

// TesterPresent keeps a non-default session alive (3E 00).
func (e *Engine) TesterPresent(ctx context.Context) (Transaction, error) {
	return e.Send(ctx, fmt.Sprintf("%02X00", SIDTesterPresent), 0)
}
