package decode

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestDecodeDTCsLetterAndCode(t *testing.T) {
	letters := map[byte]byte{0: 'P', 1: 'C', 2: 'B', 3: 'U'}
	for _, a := range []byte{0x00, 0x01, 0x3F, 0x40, 0x7F, 0x81, 0xC0, 0xFF} {
		for _, b := range []byte{0x00, 0x01, 0x33, 0xFF} {
			if a == 0 && b == 0 {
				continue
			}
			recs, err := DecodeDTCs(fmt.Sprintf("%02X%02X", a, b))
			if err != nil {
				t.Fatalf("%02X%02X: %v", a, b, err)
			}
			if len(recs) != 1 {
				t.Fatalf("%02X%02X: got %d records", a, b, len(recs))
			}
			want := fmt.Sprintf("%c%04X", letters[(a>>6)&3], (uint16(a&0x3F)<<8)|uint16(b))
			if recs[0].Code() != want {
				t.Fatalf("%02X%02X: got %s want %s", a, b, recs[0].Code(), want)
			}
			if recs[0].Numeric > 0x3FFF {
				t.Fatalf("numeric out of 14-bit range: %X", recs[0].Numeric)
			}
		}
	}
}

func TestDecodeDTCsSkipsZeroPairs(t *testing.T) {
	recs, err := DecodeDTCs("4300000000")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %v", recs)
	}
}

func TestDecodeDTCsOddTrailingByte(t *testing.T) {
	recs, err := DecodeDTCs("01 33 00 00 C1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Code() != "P0133" || recs[0].RawHex() != "0133" {
		t.Fatalf("got %v", recs)
	}
}

func TestDecodeDTCsIdempotent(t *testing.T) {
	first, err := DecodeDTCs("43 01 33 C1 23 00 00 92 34")
	if err != nil {
		t.Fatal(err)
	}
	second, err := DecodeDTCs(EncodeDTCs(first))
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 || len(first) != len(second) {
		t.Fatalf("lengths differ: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("record %d differs: %v vs %v", i, first[i], second[i])
		}
	}
	if got := first[1].Code(); got != "U0123" {
		t.Fatalf("got %s", got)
	}
	if got := first[2].Code(); got != "B1234" {
		t.Fatalf("got %s", got)
	}
}

func TestDecodeDTCsChassisCodeLikeResponseByte(t *testing.T) {
	first, err := DecodeDTCs("43 43 12 01 33")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].Code() != "C0312" || first[1].Code() != "P0133" {
		t.Fatalf("got %v", first)
	}
	second, err := DecodeDTCs(EncodeDTCs(first))
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 2 || second[0] != first[0] || second[1] != first[1] {
		t.Fatalf("re-decoded %v, want %v", second, first)
	}
	bare, _ := DecodeDTCs("4312")
	if len(bare) != 1 || bare[0].Code() != "C0312" {
		t.Fatalf("even payload: got %v", bare)
	}
}

func TestDecodeDTCsInvalidHex(t *testing.T) {
	_, err := DecodeDTCs("01 3G")
	if !errors.Is(err, ErrDecode) || !errors.Is(err, ErrInvalidHex) {
		t.Fatalf("expected decode/hex error, got %v", err)
	}
}

func TestDecodeDTCRecordJSON(t *testing.T) {
	b, err := NewDTCRecord(0x01, 0x33).MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"code":"P0133","raw":"0133"}` {
		t.Fatalf("got %s", b)
	}
}

func TestDecodeUDSDTCs(t *testing.T) {
	rep, err := DecodeUDSDTCs("59 02 FF 01 33 17 09 00 00 00 00 C1 23 00 2F 12")
	if err != nil {
		t.Fatal(err)
	}
	if rep.SubFunction != ReportDTCByStatusMask || rep.AvailableMask != 0xFF {
		t.Fatalf("header: %+v", rep)
	}
	if len(rep.DTCs) != 2 {
		t.Fatalf("got %d dtcs", len(rep.DTCs))
	}
	if got := rep.DTCs[0].String(); got != "P0133-17" {
		t.Fatalf("got %s", got)
	}
	if flags := rep.DTCs[0].Flags(); len(flags) != 2 || flags[0] != "testFailed" || flags[1] != "confirmedDTC" {
		t.Fatalf("flags %v", flags)
	}
	if got := FormatFlags(rep.DTCs[0].Status); got != "testFailed,confirmedDTC" {
		t.Fatalf("formatted flags %q", got)
	}
	if got := rep.DTCs[1].String(); got != "U0123-00" {
		t.Fatalf("got %s", got)
	}
	if _, err := DecodeUDSDTCs("59"); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

const testVIN = "1HGCM82633A004352"

func TestDecodeVINRoundTrip(t *testing.T) {
	frames := EncodeVINFrames(testVIN)
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}
	got, err := DecodeVIN(strings.Join(frames, "\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got != testVIN {
		t.Fatalf("got %q want %q", got, testVIN)
	}
}

func TestDecodeVINFourFrames(t *testing.T) {
	// Five data bytes per frame; the last three are space padding.
	in := "4902 01 57 41 55 5A 5A\n" +
		"4902 02 5A 38 56 31 39\n" +
		"4902 03 41 30 31 32 33\n" +
		"4902 04 34 35 20 20 20"
	got, err := DecodeVIN(in)
	if err != nil {
		t.Fatal(err)
	}
	if got != "WAUZZZ8V19A012345" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeVINSortsByCounter(t *testing.T) {
	frames := EncodeVINFrames(testVIN)
	shuffled := []string{frames[3], frames[0], frames[4], frames[2], frames[1]}
	got, err := DecodeVIN(strings.Join(shuffled, " "))
	if err != nil {
		t.Fatal(err)
	}
	if got != testVIN {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeVINSingleCANMessage(t *testing.T) {
	in := "490201" + HexString([]byte(testVIN))
	got, err := DecodeVIN(in)
	if err != nil {
		t.Fatal(err)
	}
	if got != testVIN {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeVINFailures(t *testing.T) {
	tests := []struct {
		name string
		vin  string
	}{
		{"short", "1HGCM82633A00"},
		{"letter I", "1HGCM82633I004352"},
		{"letter O", "1HGCM82633O004352"},
		{"letter Q", "1HGCM82633Q004352"},
		{"lowercase", "1hgcm82633a004352"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeVIN("490201" + HexString([]byte(tc.vin)))
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestExtractBitFieldFlag(t *testing.T) {
	spec := BitFieldSpec{ByteOffset: 0, BitStart: 3, BitLength: 1}
	v, err := ExtractBits([]byte{0b00001000}, spec)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindBool || !v.Bool {
		t.Fatalf("expected true, got %+v", v)
	}
	v, err = ExtractBits([]byte{0b00000000}, spec)
	if err != nil {
		t.Fatal(err)
	}
	if v.Bool {
		t.Fatalf("expected false")
	}
}

func TestExtractBitFieldSixteenBitsScaled(t *testing.T) {
	spec := BitFieldSpec{BitLength: 16}
	v, err := ExtractBitField("0100", spec)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindInt || v.Raw != 256 {
		t.Fatalf("expected raw 256, got %+v", v)
	}
	sc, err := ParseScaling("* 0.1")
	if err != nil {
		t.Fatal(err)
	}
	spec.Scaling = &sc
	spec.Unit = "km/h"
	v, err = ExtractBitField("01 00", spec)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != KindFloat || math.Abs(v.Float-25.6) > 1e-9 {
		t.Fatalf("expected 25.6, got %+v", v)
	}
	if v.String() != "25.6 km/h" {
		t.Fatalf("got %q", v.String())
	}
}

func TestExtractBitFieldMasks(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		spec BitFieldSpec
		want int64
	}{
		{"low nibble", []byte{0xAB}, BitFieldSpec{BitLength: 4}, 0x0B},
		{"high nibble", []byte{0xAB}, BitFieldSpec{BitStart: 4, BitLength: 4}, 0x0A},
		{"offset byte", []byte{0x00, 0x7F}, BitFieldSpec{ByteOffset: 1, BitLength: 8}, 0x7F},
		{"window past the byte reads one byte", []byte{0x80, 0xFF}, BitFieldSpec{BitStart: 7, BitLength: 2}, 0x01},
		{"eight bits from bit 4", []byte{0xF0}, BitFieldSpec{BitStart: 4, BitLength: 8}, 0x0F},
		{"signed", []byte{0xFF, 0xFE}, BitFieldSpec{BitLength: 16, Signed: true}, -2},
		{"24 bits", []byte{0x01, 0x02, 0x03}, BitFieldSpec{BitLength: 24}, 0x010203},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := ExtractBits(tc.in, tc.spec)
			if err != nil {
				t.Fatal(err)
			}
			if v.Raw != tc.want {
				t.Fatalf("got %d want %d", v.Raw, tc.want)
			}
		})
	}
}

func TestExtractBitFieldOutOfRange(t *testing.T) {
	_, err := ExtractBits([]byte{0x01}, BitFieldSpec{ByteOffset: 0, BitLength: 16})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	_, err = ExtractBits(nil, BitFieldSpec{ByteOffset: 4, BitLength: 1})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	_, err = ExtractBits([]byte{1}, BitFieldSpec{BitLength: 40})
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
}

func TestParseScaling(t *testing.T) {
	tests := []struct {
		in     string
		raw    float64
		want   float64
		errors bool
	}{
		{"* 0.1", 256, 25.6, false},
		{"x*0.1-40", 500, 10, false},
		{"(x-40)*1.8", 50, 18, false},
		{"raw/4", 100, 25, false},
		{"+ 32", 0, 32, false},
		{"X * -1", 5, -5, false},
		{"x*2.5e-1", 8, 2, false},
		{"", 0, 0, true},
		{"x^2", 0, 0, true},
		{"x/0", 0, 0, true},
		{"x*(2+1)", 0, 0, true},
		{"(x*2", 0, 0, true},
	}
	for _, tc := range tests {
		sc, err := ParseScaling(tc.in)
		if tc.errors {
			if !errors.Is(err, ErrInvalidSpec) {
				t.Fatalf("%q: expected ErrInvalidSpec, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got := sc.Apply(tc.raw); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%q(%v)=%v want %v", tc.in, tc.raw, got, tc.want)
		}
		again, err := ParseScaling(sc.String())
		if err != nil || math.Abs(again.Apply(tc.raw)-tc.want) > 1e-9 {
			t.Fatalf("%q: String() %q does not parse back (%v)", tc.in, sc.String(), err)
		}
	}
}

func TestLoadSignals(t *testing.T) {
	doc := `
signals:
  - name: coolant
    byte: 0
    length: 8
    scaling: "x-40"
    unit: C
  - name: mil
    byte: 1
    bit: 7
    length: 1
  - name: voltage
    byte: 2
    length: 16
    scaling: {factor: 0.001}
    unit: V
`
	specs, err := LoadSignals(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 3 {
		t.Fatalf("got %d specs", len(specs))
	}
	payload := []byte{0x5A, 0x80, 0x30, 0xD4}
	want := []string{"50 C", "true", "12.5 V"}
	for i, s := range specs {
		v, err := ExtractBits(payload, s)
		if err != nil {
			t.Fatalf("%s: %v", s.Name, err)
		}
		if v.String() != want[i] {
			t.Fatalf("%s: got %q want %q", s.Name, v.String(), want[i])
		}
	}
}

func TestLoadSignalsRejectsBadSpec(t *testing.T) {
	_, err := LoadSignals(strings.NewReader("signals:\n  - name: x\n    byte: 0\n    length: 0\n"))
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
	_, err = LoadSignals(strings.NewReader("signals:\n  - name: x\n    length: 8\n    bogus: 1\n"))
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec for unknown field, got %v", err)
	}
}

func TestNames(t *testing.T) {
	if NRCName(0x31) != "requestOutOfRange" || NRCName(0x78) != "requestCorrectlyReceivedResponsePending" {
		t.Fatalf("nrc names")
	}
	if NRCName(0x5A) != "nrc_0x5A" {
		t.Fatalf("unknown nrc: %s", NRCName(0x5A))
	}
	if ServiceName(0x22) != "ReadDataByIdentifier" || ServiceName(0x03) != "showStoredDTCs" {
		t.Fatalf("service names")
	}
}

func FuzzDecodeVIN(f *testing.F) {
	f.Add(strings.Join(EncodeVINFrames(testVIN), "\n"))
	f.Add("4902")
	f.Add("49020149020249")
	f.Fuzz(func(t *testing.T, in string) {
		vin, err := DecodeVIN(in)
		if err != nil {
			return
		}
		if len(vin) != 17 || strings.ContainsAny(vin, "IOQ") {
			t.Fatalf("invalid vin accepted: %q", vin)
		}
	})
}

func BenchmarkDecodeDTCs(b *testing.B) {
	payload := "43 01 33 C1 23 92 34 01 71 00 00"
	for i := 0; i < b.N; i++ {
		if _, err := DecodeDTCs(payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkExtractBitField(b *testing.B) {
	sc := Scaling{Factor: 0.25}
	spec := BitFieldSpec{ByteOffset: 2, BitLength: 16, Scaling: &sc}
	for i := 0; i < b.N; i++ {
		if _, err := ExtractBitField("410C1AF8", spec); err != nil {
			b.Fatal(err)
		}
	}
}
