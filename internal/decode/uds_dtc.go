package decode

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	respReadDTCInformation = 0x59
	// ReportDTCByStatusMask is sub-function 0x02 of service 0x19.
	ReportDTCByStatusMask = 0x02
)

// UDSDTC is a three-byte ISO 14229 trouble code plus its status byte.
type UDSDTC struct {
	DTCRecord        // first two bytes, OBD-style
	FailureType byte // third byte (failure type byte)
	Status      byte
}

// String renders e.g. P0133-17.
func (d UDSDTC) String() string { return fmt.Sprintf("%s-%02X", d.Code(), d.FailureType) }

// Flags names the set status bits.
func (d UDSDTC) Flags() []string { return StatusFlags(d.Status) }

func (d UDSDTC) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code   string   `json:"code"`
		Raw    string   `json:"raw"`
		Status string   `json:"status"`
		Flags  []string `json:"flags,omitempty"`
	}{d.String(), HexString([]byte{d.Raw[0], d.Raw[1], d.FailureType}), fmt.Sprintf("%02X", d.Status), d.Flags()})
}

var statusBits = [8]string{
	"testFailed",
	"testFailedThisOperationCycle",
	"pendingDTC",
	"confirmedDTC",
	"testNotCompletedSinceLastClear",
	"testFailedSinceLastClear",
	"testNotCompletedThisOperationCycle",
	"warningIndicatorRequested",
}

// StatusFlags returns the names of the bits set in a DTC status byte, LSB first.
func StatusFlags(status byte) []string {
	var out []string
	for i, name := range statusBits {
		if status&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}

// UDSDTCReport is the decoded answer to 19 02 <mask>.
type UDSDTCReport struct {
	SubFunction   byte
	AvailableMask byte
	DTCs          []UDSDTC
}

// DecodeUDSDTCs decodes a ReadDTCInformation (0x19 0x02) positive payload.
// A leading 0x59 is dropped; incomplete trailing records are ignored and
// zero DTC numbers are skipped.
func DecodeUDSDTCs(payload string) (UDSDTCReport, error) {
	b, err := ParseHex(payload)
	if err != nil {
		return UDSDTCReport{}, fmt.Errorf("%w: uds dtc payload: %w", ErrDecode, err)
	}
	if len(b) > 0 && b[0] == respReadDTCInformation {
		b = b[1:]
	}
	if len(b) < 2 {
		return UDSDTCReport{}, fmt.Errorf("%w: uds dtc payload too short (%d bytes)", ErrDecode, len(b))
	}
	rep := UDSDTCReport{SubFunction: b[0], AvailableMask: b[1]}
	recs := b[2:]
	for i := 0; i+3 < len(recs); i += 4 {
		r := recs[i : i+4]
		if r[0] == 0 && r[1] == 0 && r[2] == 0 {
			continue
		}
		rep.DTCs = append(rep.DTCs, UDSDTC{DTCRecord: NewDTCRecord(r[0], r[1]), FailureType: r[2], Status: r[3]})
	}
	return rep, nil
}

// FormatFlags joins status flag names for log output.
func FormatFlags(status byte) string { return strings.Join(StatusFlags(status), ",") }
