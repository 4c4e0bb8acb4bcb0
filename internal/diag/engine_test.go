package diag

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-elm327-diag/internal/decode"
	"github.com/kstaniek/go-elm327-diag/internal/elm"
	"github.com/kstaniek/go-elm327-diag/internal/logging"
	"github.com/kstaniek/go-elm327-diag/internal/transport"
	"github.com/kstaniek/go-elm327-diag/internal/transport/transporttest"
)

func newEngine(t *testing.T, overrides map[string]transporttest.Reply, opts ...Option) (*Engine, *transporttest.Fake) {
	t.Helper()
	cfg := elm.DefaultConfig()
	cfg.Transport.Name = "fake"
	cfg.ResetTimeout = 80 * time.Millisecond
	cfg.CommandTimeout = 60 * time.Millisecond
	cfg.PollInterval = 2 * time.Millisecond
	f := transporttest.New(transporttest.ELM327(overrides))
	s, err := elm.Dial(context.Background(), cfg, elm.WithLogger(logging.Discard()),
		elm.WithOpener(func(transport.Config) (transport.Port, error) { return f, nil }))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, append([]Option{WithLogger(logging.Discard())}, opts...)...), f
}

func TestSendStoredDTCsThenStall(t *testing.T) {
	e, _ := newEngine(t, map[string]transporttest.Reply{"03": transporttest.Text("43 01 33 00 00\r")})
	tx, err := e.Send(context.Background(), "03", 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Outcome.Kind != Positive || tx.Outcome.ServiceEcho != 0x43 {
		t.Fatalf("outcome=%v", tx.Outcome)
	}
	if tx.Outcome.Payload != "01330000" {
		t.Fatalf("payload=%q", tx.Outcome.Payload)
	}
	if tx.Stop != elm.StopIdle {
		t.Fatalf("stop=%s", tx.Stop)
	}
	recs, err := decode.DecodeDTCs(tx.Outcome.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Code() != "P0133" {
		t.Fatalf("dtcs=%v", recs)
	}
}

func TestSendNeverResponding(t *testing.T) {
	e, _ := newEngine(t, map[string]transporttest.Reply{"0100": transporttest.Silent()})
	tx, err := e.Send(context.Background(), "0100", 40*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must be an outcome, not an error: %v", err)
	}
	if tx.Outcome.Kind != Timeout || !tx.Outcome.Retryable() {
		t.Fatalf("outcome=%v", tx.Outcome)
	}
}

func TestSendOutcomes(t *testing.T) {
	e, _ := newEngine(t, map[string]transporttest.Reply{
		"220101": transporttest.Prompted("7F 22 31"),
		"0120":   transporttest.Prompted("NO DATA"),
		"0902":   transporttest.Prompted("CAN ERROR"),
		"0105":   transporttest.Prompted("41 0"),
		"1003":   transporttest.Prompted("50 03 00 32 01 F4"),
		"0140":   transporttest.Prompted(""),
	})
	tests := []struct {
		cmd    string
		kind   Kind
		detail string
	}{
		{"22 01 01", Negative, ""},
		{"0120", NoData, ""},
		{"0902", Malformed, "CAN ERROR"},
		{"0105", Malformed, ""},
		{"1003", Positive, ""},
		{"0140", NoData, ""},
	}
	for _, tc := range tests {
		tx, err := e.Send(context.Background(), tc.cmd, 0)
		if err != nil {
			t.Fatalf("%s: %v", tc.cmd, err)
		}
		if tx.Outcome.Kind != tc.kind {
			t.Fatalf("%s: kind=%s want %s (%v)", tc.cmd, tx.Outcome.Kind, tc.kind, tx.Outcome)
		}
		if tc.detail != "" && tx.Outcome.Detail != tc.detail {
			t.Fatalf("%s: detail=%q", tc.cmd, tx.Outcome.Detail)
		}
	}
	tx, _ := e.Send(context.Background(), "220101", 0)
	if tx.Outcome.ServiceEcho != 0x22 || tx.Outcome.NRC != 0x31 || tx.Outcome.Retryable() {
		t.Fatalf("negative=%+v", tx.Outcome)
	}
	if !strings.Contains(tx.Outcome.String(), "requestOutOfRange") {
		t.Fatalf("string=%q", tx.Outcome.String())
	}
}

func TestSendWaitsThroughResponsePending(t *testing.T) {
	e, _ := newEngine(t, map[string]transporttest.Reply{
		"22F190": {Chunks: []string{"7F 22 78\r", "62 F1 90 01 02\r\r>"}, Gap: 20 * time.Millisecond},
	}, WithPendingTimeout(200*time.Millisecond))
	tx, err := e.Send(context.Background(), "22F190", 0)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Outcome.Kind != Positive || tx.Outcome.Payload != "F1900102" {
		t.Fatalf("outcome=%v", tx.Outcome)
	}
	data, err := DIDData(tx.Outcome, 0xF190)
	if err != nil || len(data) != 2 || data[0] != 0x01 {
		t.Fatalf("did data=%x err=%v", data, err)
	}
}

func TestSendRejectsBadCommands(t *testing.T) {
	e, f := newEngine(t, nil)
	before := len(f.Writes())
	for _, cmd := range []string{"", "ATZ", "0", "01 0G"} {
		if _, err := e.Send(context.Background(), cmd, 0); !errors.Is(err, ErrInvalidCommand) {
			t.Fatalf("%q: expected ErrInvalidCommand, got %v", cmd, err)
		}
	}
	if len(f.Writes()) != before {
		t.Fatalf("invalid commands reached the adapter")
	}
}

func TestSendAcceptsSpacedHex(t *testing.T) {
	e, f := newEngine(t, map[string]transporttest.Reply{"220100": transporttest.Prompted("62 01 00 12 AB")})
	tx, err := e.Send(context.Background(), "2201 00", 0)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Outcome.Kind != Positive {
		t.Fatalf("outcome=%v", tx.Outcome)
	}
	w := f.Writes()
	if w[len(w)-1] != "220100" {
		t.Fatalf("written %q", w[len(w)-1])
	}
}

func TestSendRaw(t *testing.T) {
	e, _ := newEngine(t, nil)
	got, err := e.SendRaw(context.Background(), "ATRV", 0)
	if err != nil || got != "12.6V" {
		t.Fatalf("got %q err=%v", got, err)
	}
	got, err = e.SendRaw(context.Background(), "ATXYZ", 0)
	if err != nil || got != "?" {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestReadDTCsStripsCANCount(t *testing.T) {
	e, _ := newEngine(t, map[string]transporttest.Reply{
		"03": transporttest.Prompted("43 02 01 33 C1 23"),
		"07": transporttest.Prompted("47 00"),
		"0A": transporttest.Prompted("4A 01 33 00 00 00 00\r4A 02 34 00 00 00 00"),
	})
	recs, tx, err := e.ReadDTCs(context.Background())
	if err != nil || tx.Outcome.Kind != Positive {
		t.Fatalf("err=%v outcome=%v", err, tx.Outcome)
	}
	if len(recs) != 2 || recs[0].Code() != "P0133" || recs[1].Code() != "U0123" {
		t.Fatalf("recs=%v", recs)
	}
	recs, _, err = e.ReadPendingDTCs(context.Background())
	if err != nil || recs == nil || len(recs) != 0 {
		t.Fatalf("pending recs=%v err=%v", recs, err)
	}
	recs, _, err = e.ReadPermanentDTCs(context.Background())
	if err != nil || len(recs) != 2 || recs[1].Code() != "P0234" {
		t.Fatalf("permanent recs=%v err=%v", recs, err)
	}
}

const canVIN = "014\r0: 49 02 01 31 44 34\r1: 47 50 30 30 52 35 35\r2: 42 31 32 33 34 35 36\r\r>"

func TestReadVIN(t *testing.T) {
	e, _ := newEngine(t, map[string]transporttest.Reply{"0902": transporttest.Text(canVIN)})
	vin, tx, err := e.ReadVIN(context.Background())
	if err != nil {
		t.Fatalf("err=%v outcome=%v", err, tx.Outcome)
	}
	if vin != "1D4GP00R55B123456" {
		t.Fatalf("vin=%q", vin)
	}
}

func TestReadVINLegacyLines(t *testing.T) {
	lines := decode.EncodeVINFrames("1D4GP00R55B123456")
	e, _ := newEngine(t, map[string]transporttest.Reply{"0902": transporttest.Prompted(strings.Join(lines, "\r"))})
	vin, _, err := e.ReadVIN(context.Background())
	if err != nil || vin != "1D4GP00R55B123456" {
		t.Fatalf("vin=%q err=%v", vin, err)
	}
}

func TestReadDTCInformation(t *testing.T) {
	e, _ := newEngine(t, map[string]transporttest.Reply{"1902FF": transporttest.Prompted("59 02 FF 01 33 17 09")})
	rep, tx, err := e.ReadDTCInformation(context.Background(), 0xFF)
	if err != nil || tx.Outcome.Kind != Positive {
		t.Fatalf("err=%v outcome=%v", err, tx.Outcome)
	}
	if len(rep.DTCs) != 1 || rep.DTCs[0].String() != "P0133-17" {
		t.Fatalf("rep=%+v", rep)
	}
}

func TestSessionControlAndTesterPresent(t *testing.T) {
	e, f := newEngine(t, map[string]transporttest.Reply{
		"1003": transporttest.Prompted("50 03 00 32 01 F4"),
		"3E00": transporttest.Prompted("7E 00"),
	})
	tx, err := e.DiagnosticSessionControl(context.Background(), SessionExtended)
	if err != nil || tx.Outcome.Kind != Positive {
		t.Fatalf("session control: %v %v", tx.Outcome, err)
	}
	tx, err = e.TesterPresent(context.Background())
	if err != nil || tx.Outcome.Kind != Positive {
		t.Fatalf("tester present: %v %v", tx.Outcome, err)
	}
	w := f.Writes()
	if w[len(w)-2] != "1003" || w[len(w)-1] != "3E00" {
		t.Fatalf("writes=%v", w[len(w)-2:])
	}
}

func TestPIDData(t *testing.T) {
	e, _ := newEngine(t, map[string]transporttest.Reply{"010C": transporttest.Prompted("41 0C 1A F8")})
	tx, err := e.ReadPID(context.Background(), PIDEngineRPM)
	if err != nil {
		t.Fatal(err)
	}
	data, err := PIDData(tx.Outcome, PIDEngineRPM)
	if err != nil {
		t.Fatal(err)
	}
	spec, ok := PIDSignal(PIDEngineRPM)
	if !ok {
		t.Fatalf("no formula for engine rpm")
	}
	v, err := decode.ExtractBits(data, spec)
	if err != nil || v.Float != 1726 || v.Unit != "rpm" {
		t.Fatalf("rpm=%v err=%v", v, err)
	}
	spec, _ = PIDSignal(PIDCoolantTemp)
	if v, err := decode.ExtractBits([]byte{0x7B}, spec); err != nil || v.Float != 83 {
		t.Fatalf("coolant=%v err=%v", v, err)
	}
	if _, ok := PIDSignal(0x99); ok {
		t.Fatalf("unexpected formula for pid 99")
	}
	if _, err := PIDData(tx.Outcome, PIDVehicleSpeed); !errors.Is(err, decode.ErrDecode) {
		t.Fatalf("expected pid echo mismatch, got %v", err)
	}
}

func TestResultJSON(t *testing.T) {
	tx := Transaction{Command: "03", Outcome: Outcome{Kind: Positive, ServiceEcho: 0x43, Payload: "0000"}}
	b, err := json.Marshal(FromTransaction(tx).WithDTCs(nil))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"success":true`) || !strings.Contains(string(b), `"dtcs":[]`) {
		t.Fatalf("json=%s", b)
	}

	neg := Transaction{Command: "220101", Outcome: Outcome{Kind: Negative, ServiceEcho: 0x22, NRC: 0x31}}
	b, _ = json.Marshal(FromTransaction(neg))
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["success"] != false || m["nrc"] != "31" || m["error"] == nil {
		t.Fatalf("json=%s", b)
	}
	if _, ok := m["dtcs"]; ok {
		t.Fatalf("dtcs must be absent on non-DTC results: %s", b)
	}

	b, _ = json.Marshal(Result{Success: true}.WithValue(decode.Value{Kind: decode.KindBool, Bool: false}))
	if !strings.Contains(string(b), `"value":false`) {
		t.Fatalf("false flag dropped: %s", b)
	}
}
