package scan

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is an inclusive identifier range.
type Range struct {
	Start uint16 `yaml:"start" json:"start"`
	End   uint16 `yaml:"end" json:"end"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// Len is the number of identifiers in r.
func (r Range) Len() int {
	if r.Start > r.End {
		return 0
	}
	return int(r.End) - int(r.Start) + 1
}

func (r Range) String() string {
	s := fmt.Sprintf("%04X-%04X", r.Start, r.End)
	if r.Label != "" {
		s += " (" + r.Label + ")"
	}
	return s
}

// ParseRange parses "F180-F19F" (hex, inclusive) or a single identifier.
func ParseRange(s string) (Range, error) {
	lo, hi, found := strings.Cut(strings.TrimSpace(s), "-")
	start, err := strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(lo)), "0X"), 16, 16)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, s, err)
	}
	end := start
	if found {
		end, err = strconv.ParseUint(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(hi)), "0X"), 16, 16)
		if err != nil {
			return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, s, err)
		}
	}
	if start > end {
		return Range{}, fmt.Errorf("%w: %q start after end", ErrInvalidRange, s)
	}
	return Range{Start: uint16(start), End: uint16(end)}, nil
}

// StandardRanges are the ISO 14229-1 / ISO 15031 identifier windows worth
// sweeping on an unknown ECU.
func StandardRanges() []Range {
	return []Range{
		{Start: 0xF180, End: 0xF19F, Label: "ecu identification"},
		{Start: 0xF100, End: 0xF17F, Label: "manufacturer identification"},
		{Start: 0xF1A0, End: 0xF1EF, Label: "manufacturer identification (extended)"},
		{Start: 0xF400, End: 0xF4FF, Label: "obd data (mode 01 mirror)"},
		{Start: 0xF800, End: 0xF8FF, Label: "obd vehicle info (mode 09 mirror)"},
		{Start: 0xF200, End: 0xF2FF, Label: "periodic data"},
		{Start: 0xFD00, End: 0xFEFF, Label: "system supplier specific"},
	}
}
