package decode

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"
)

const maxBitLength = 32

// BitFieldSpec projects a bit range of a positive payload into a value.
// Fields of up to 8 bits read the single byte at ByteOffset, shifted right by
// BitStart; bits past that byte's top read as zero. Longer fields are
// big-endian starting at ByteOffset, BitStart counting from the least
// significant bit of the last byte touched.
type BitFieldSpec struct {
	Name       string   `yaml:"name,omitempty" json:"name,omitempty"`
	ByteOffset int      `yaml:"byte" json:"byte"`
	BitStart   int      `yaml:"bit,omitempty" json:"bit,omitempty"`
	BitLength  int      `yaml:"length" json:"length"`
	Signed     bool     `yaml:"signed,omitempty" json:"signed,omitempty"`
	Scaling    *Scaling `yaml:"scaling,omitempty" json:"scaling,omitempty"`
	Unit       string   `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// Validate checks the static shape of the spec.
func (s BitFieldSpec) Validate() error {
	switch {
	case s.ByteOffset < 0:
		return fmt.Errorf("%w: negative byte offset %d", ErrInvalidSpec, s.ByteOffset)
	case s.BitStart < 0 || s.BitStart > 7:
		return fmt.Errorf("%w: bit start %d not in 0..7", ErrInvalidSpec, s.BitStart)
	case s.BitLength < 1 || s.BitLength > maxBitLength:
		return fmt.Errorf("%w: bit length %d not in 1..%d", ErrInvalidSpec, s.BitLength, maxBitLength)
	case s.Signed && s.BitLength == 1:
		return fmt.Errorf("%w: single-bit field cannot be signed", ErrInvalidSpec)
	case s.Scaling != nil && s.BitLength == 1:
		return fmt.Errorf("%w: single-bit field cannot be scaled", ErrInvalidSpec)
	}
	return nil
}

// byteCount is the number of payload bytes the field touches.
func (s BitFieldSpec) byteCount() int {
	if s.BitLength <= 8 {
		return 1
	}
	return (s.BitStart + s.BitLength + 7) / 8
}

// ValueKind tags a Value.
type ValueKind uint8

const (
	KindBool ValueKind = iota
	KindInt
	KindFloat
)

// Value is the result of a bit field extraction: a flag, a raw integer or a
// scaled physical quantity.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Raw   int64
	Float float64
	Unit  string
}

// Number returns the numeric reading (1/0 for flags).
func (v Value) Number() float64 {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return 1
		}
		return 0
	case KindFloat:
		return v.Float
	default:
		return float64(v.Raw)
	}
}

// Interface returns bool, int64 or float64.
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindFloat:
		return v.Float
	default:
		return v.Raw
	}
}

func (v Value) String() string {
	var s string
	switch v.Kind {
	case KindBool:
		s = strconv.FormatBool(v.Bool)
	case KindFloat:
		s = strconv.FormatFloat(v.Float, 'f', -1, 64)
	default:
		s = strconv.FormatInt(v.Raw, 10)
	}
	if v.Unit != "" {
		s += " " + v.Unit
	}
	return s
}

func (v Value) MarshalJSON() ([]byte, error) { return json.Marshal(v.Interface()) }

// ExtractBitField applies spec to a hex payload. A payload shorter than the
// field yields ErrOutOfRange, which is an expected outcome for truncated
// multi-frame responses.
func ExtractBitField(payload string, spec BitFieldSpec) (Value, error) {
	b, err := ParseHex(payload)
	if err != nil {
		return Value{}, fmt.Errorf("%w: bit field payload: %w", ErrDecode, err)
	}
	return ExtractBits(b, spec)
}

// ExtractBits is ExtractBitField on raw bytes.
func ExtractBits(b []byte, spec BitFieldSpec) (Value, error) {
	if err := spec.Validate(); err != nil {
		return Value{}, err
	}
	n := spec.byteCount()
	if spec.ByteOffset+n > len(b) {
		return Value{}, fmt.Errorf("%w: need bytes %d..%d, payload has %d", ErrOutOfRange, spec.ByteOffset, spec.ByteOffset+n-1, len(b))
	}
	var acc uint64
	for _, v := range b[spec.ByteOffset : spec.ByteOffset+n] {
		acc = acc<<8 | uint64(v)
	}
	raw := (acc >> uint(spec.BitStart)) & (1<<uint(spec.BitLength) - 1)
	if spec.BitLength == 1 {
		return Value{Kind: KindBool, Bool: raw == 1, Unit: spec.Unit}, nil
	}
	iv := int64(raw)
	if spec.Signed && raw&(1<<uint(spec.BitLength-1)) != 0 {
		iv -= 1 << uint(spec.BitLength)
	}
	if spec.Scaling == nil {
		return Value{Kind: KindInt, Raw: iv, Unit: spec.Unit}, nil
	}
	return Value{Kind: KindFloat, Raw: iv, Float: spec.Scaling.Apply(float64(iv)), Unit: spec.Unit}, nil
}

// SignalFile is a YAML list of named bit fields for one identifier.
type SignalFile struct {
	Signals []BitFieldSpec `yaml:"signals"`
}

// LoadSignals reads and validates a signal file.
func LoadSignals(r io.Reader) ([]BitFieldSpec, error) {
	var f SignalFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: signal file: %w", ErrInvalidSpec, err)
	}
	for i, s := range f.Signals {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("signal %d (%s): %w", i, s.Name, err)
		}
	}
	return f.Signals, nil
}
