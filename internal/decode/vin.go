package decode

import (
	"fmt"
	"sort"
	"strings"
)

const (
	vinLength    = 17
	vinMarker    = "4902"
	vinForbidden = "IOQ"
)

type vinFrame struct {
	index int
	data  string
}

// DecodeVIN reassembles a mode 09 PID 02 response. Every "4902" marker and
// the frame counter after it are removed, the frames are ordered by counter,
// non-printable characters are dropped and the first 17 that remain must be
// [0-9A-Z] without I, O or Q. No partial VIN is ever returned.
func DecodeVIN(payload string) (string, error) {
	c := CleanHex(payload)
	frames := splitVINFrames(c)
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].index < frames[j].index })

	var data strings.Builder
	for _, f := range frames {
		data.WriteString(f.data)
	}
	b, err := ParseHex(data.String())
	if err != nil {
		return "", fmt.Errorf("%w: vin: %w", ErrDecode, err)
	}
	var sb strings.Builder
	for _, ch := range b {
		if ch >= 0x20 && ch <= 0x7E {
			sb.WriteByte(ch)
		}
	}
	text := strings.TrimSpace(sb.String())
	if len(text) < vinLength {
		return "", fmt.Errorf("%w: vin has %d valid characters, need %d", ErrDecode, len(text), vinLength)
	}
	vin := text[:vinLength]
	for i := 0; i < len(vin); i++ {
		if err := checkVINChar(vin[i]); err != nil {
			return "", fmt.Errorf("%w: vin %q position %d: %v", ErrDecode, vin, i+1, err)
		}
	}
	return vin, nil
}

func checkVINChar(ch byte) error {
	switch {
	case strings.IndexByte(vinForbidden, ch) >= 0:
		return fmt.Errorf("forbidden letter %q", ch)
	case ch >= '0' && ch <= '9', ch >= 'A' && ch <= 'Z':
		return nil
	default:
		return fmt.Errorf("invalid character %q", ch)
	}
}

// splitVINFrames cuts c at "4902" markers. A valid VIN never contains the
// bytes 0x49 0x02 or 0x90, so markers are matched at any digit offset. Text
// before the first marker is kept as frame 0 when it is whole bytes; a
// payload without markers is a single frame.
func splitVINFrames(c string) []vinFrame {
	var (
		frames []vinFrame
		cur    vinFrame
		start  int
		marked bool
	)
	for i := 0; i+len(vinMarker)+2 <= len(c); i++ {
		if c[i:i+len(vinMarker)] != vinMarker {
			continue
		}
		idx, err := ParseHex(c[i+4 : i+6])
		if err != nil {
			continue
		}
		cur.data = c[start:i]
		if marked || len(cur.data)%2 == 0 {
			frames = append(frames, cur)
		}
		cur = vinFrame{index: int(idx[0])}
		marked = true
		start = i + 6
		i += 5
	}
	cur.data = c[start:]
	return append(frames, cur)
}

// EncodeVINFrames builds a legacy multi-frame 49 02 response for vin, four
// data bytes per frame with leading zero padding in the first frame.
func EncodeVINFrames(vin string) []string {
	padded := make([]byte, 0, 20)
	for len(padded)+len(vin) < 20 {
		padded = append(padded, 0)
	}
	padded = append(padded, vin...)
	out := make([]string, 0, len(padded)/4)
	for i := 0; i+4 <= len(padded); i += 4 {
		out = append(out, fmt.Sprintf("49 02 %02X %s", i/4+1, spaced(padded[i:i+4])))
	}
	return out
}

func spaced(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}
