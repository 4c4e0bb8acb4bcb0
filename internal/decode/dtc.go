package decode

import (
	"encoding/json"
	"fmt"
)

// OBD-II response codes that may lead a trouble code payload.
const (
	RespStoredDTCs    = 0x43 // mode 03
	RespPendingDTCs   = 0x47 // mode 07
	RespPermanentDTCs = 0x4A // mode 0A
)

var dtcLetters = [4]byte{'P', 'C', 'B', 'U'}

// DTCRecord is one two-byte OBD-II trouble code.
type DTCRecord struct {
	Letter  byte    // P, C, B or U
	Numeric uint16  // 14-bit code, 0..0x3FFF
	Raw     [2]byte // source bytes
}

// NewDTCRecord unpacks the pair (a, b).
func NewDTCRecord(a, b byte) DTCRecord {
	return DTCRecord{
		Letter:  dtcLetters[(a>>6)&0x03],
		Numeric: uint16(a&0x3F)<<8 | uint16(b),
		Raw:     [2]byte{a, b},
	}
}

// Code renders the letter and four zero-padded hex digits, e.g. P0133.
func (d DTCRecord) Code() string { return fmt.Sprintf("%c%04X", d.Letter, d.Numeric) }

func (d DTCRecord) String() string { return d.Code() }

// RawHex is the source pair as hex text.
func (d DTCRecord) RawHex() string { return HexString(d.Raw[:]) }

func (d DTCRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code string `json:"code"`
		Raw  string `json:"raw"`
	}{d.Code(), d.RawHex()})
}

// DecodeDTCs walks a mode 03/07/0A payload two bytes at a time. A leading
// response code byte is dropped when the byte count is odd, since 43, 47 and
// 4A also start C03xx, C07xx and C0Axx codes. All-zero pairs are skipped and
// any other odd trailing byte is ignored.
func DecodeDTCs(payload string) ([]DTCRecord, error) {
	b, err := ParseHex(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: dtc payload: %w", ErrDecode, err)
	}
	return DecodeDTCBytes(b), nil
}

// DecodeDTCBytes is DecodeDTCs on raw bytes.
func DecodeDTCBytes(b []byte) []DTCRecord {
	if len(b)%2 == 1 {
		switch b[0] {
		case RespStoredDTCs, RespPendingDTCs, RespPermanentDTCs:
			b = b[1:]
		}
	}
	return DTCPairs(b)
}

// DTCPairs unpacks b as consecutive code pairs with no response code byte.
func DTCPairs(b []byte) []DTCRecord {
	var out []DTCRecord
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			continue
		}
		out = append(out, NewDTCRecord(b[i], b[i+1]))
	}
	return out
}

// EncodeDTCs is the inverse of DecodeDTCBytes (without response code).
func EncodeDTCs(recs []DTCRecord) string {
	b := make([]byte, 0, 2*len(recs))
	for _, r := range recs {
		b = append(b, r.Raw[0], r.Raw[1])
	}
	return HexString(b)
}
