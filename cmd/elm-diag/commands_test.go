package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kstaniek/go-elm327-diag/internal/elm"
	"github.com/kstaniek/go-elm327-diag/internal/transport"
	"github.com/kstaniek/go-elm327-diag/internal/transport/transporttest"
)

var testFlags = []string{
	"--port", "fake",
	"--reset-timeout", "80ms",
	"--command-timeout", "60ms",
	"--poll-interval", "2ms",
	"--open-retries", "0",
	"--log-level", "error",
}

// runCLI executes the command line against a scripted adapter and returns
// the decoded JSON lines written to stdout.
func runCLI(t *testing.T, replies map[string]transporttest.Reply, args ...string) ([]map[string]any, error) {
	t.Helper()
	f := transporttest.New(transporttest.ELM327(replies))
	sessionOptions = []elm.Option{elm.WithOpener(func(transport.Config) (transport.Port, error) { return f, nil })}
	t.Cleanup(func() { sessionOptions = nil })
	return execute(t, append(args, testFlags...)...)
}

func execute(t *testing.T, args ...string) ([]map[string]any, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	var docs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if jerr := json.Unmarshal([]byte(line), &m); jerr != nil {
			t.Fatalf("output line %q is not JSON: %v", line, jerr)
		}
		docs = append(docs, m)
	}
	return docs, err
}

func TestDTCCommand(t *testing.T) {
	docs, err := runCLI(t, map[string]transporttest.Reply{"03": transporttest.Prompted("43 01 33 00 00")}, "dtc")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0]["success"] != true || docs[0]["payload"] != "01330000" {
		t.Fatalf("docs=%v", docs)
	}
	dtcs, _ := docs[0]["dtcs"].([]any)
	if len(dtcs) != 1 || dtcs[0].(map[string]any)["code"] != "P0133" {
		t.Fatalf("dtcs=%v", docs[0]["dtcs"])
	}
}

func TestDTCCommandNoCodes(t *testing.T) {
	docs, err := runCLI(t, map[string]transporttest.Reply{"07": transporttest.Prompted("47 00 00")}, "dtc", "--pending")
	if err != nil {
		t.Fatal(err)
	}
	dtcs, ok := docs[0]["dtcs"].([]any)
	if !ok || len(dtcs) != 0 {
		t.Fatalf("expected empty dtcs list, got %v", docs[0])
	}
}

func TestVINCommand(t *testing.T) {
	canVIN := "014\r0: 49 02 01 31 44 34\r1: 47 50 30 30 52 35 35\r2: 42 31 32 33 34 35 36\r\r>"
	docs, err := runCLI(t, map[string]transporttest.Reply{"0902": transporttest.Text(canVIN)}, "vin")
	if err != nil {
		t.Fatal(err)
	}
	if docs[0]["vin"] != "1D4GP00R55B123456" {
		t.Fatalf("docs=%v", docs)
	}
}

func TestNegativeResponseFails(t *testing.T) {
	docs, err := runCLI(t, map[string]transporttest.Reply{"22F190": transporttest.Prompted("7F 22 31")}, "read", "F190")
	if !errors.Is(err, errFailed) {
		t.Fatalf("expected errFailed, got %v", err)
	}
	if docs[0]["success"] != false || docs[0]["outcome"] != "negative" || docs[0]["nrc"] != "31" {
		t.Fatalf("docs=%v", docs)
	}
}

func TestPIDCommand(t *testing.T) {
	docs, err := runCLI(t, map[string]transporttest.Reply{"010C": transporttest.Prompted("41 0C 1A F8")}, "pid", "0C", "0D")
	if !errors.Is(err, errFailed) {
		t.Fatalf("expected errFailed for the NO DATA pid, got %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("docs=%v", docs)
	}
	if docs[0]["value"] != 1726.0 || docs[0]["unit"] != "rpm" {
		t.Fatalf("rpm=%v", docs[0])
	}
	if docs[1]["success"] != false || docs[1]["outcome"] != "no_data" {
		t.Fatalf("speed=%v", docs[1])
	}
}

func TestReadCommandSignals(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "elm-diag.yaml")
	cfg := "signals:\n  F40D:\n    - {name: speed, byte: 0, length: 8, unit: km/h}\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	replies := map[string]transporttest.Reply{"22F40D": transporttest.Prompted("62 F4 0D 32 81")}
	docs, err := runCLI(t, replies, "read", "F40D", "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if docs[0]["value"] != 50.0 || docs[0]["unit"] != "km/h" {
		t.Fatalf("docs=%v", docs)
	}

	sigPath := filepath.Join(dir, "signals.yaml")
	sig := "signals:\n  - {name: flag, byte: 1, bit: 7, length: 1}\n"
	if err := os.WriteFile(sigPath, []byte(sig), 0o600); err != nil {
		t.Fatal(err)
	}
	docs, err = runCLI(t, replies, "read", "F40D", "--config", cfgPath, "--signals", sigPath)
	if err != nil {
		t.Fatal(err)
	}
	vals, _ := docs[0]["data"].([]any)
	if len(vals) != 2 {
		t.Fatalf("data=%v", docs[0]["data"])
	}
	if v := vals[1].(map[string]any); v["name"] != "flag" || v["value"] != true {
		t.Fatalf("flag=%v", v)
	}
}

func TestScanCommand(t *testing.T) {
	replies := map[string]transporttest.Reply{
		"220100": transporttest.Text("62010012AB\r\r>"),
		"220101": transporttest.Text("7F2231\r\r>"),
	}
	docs, err := runCLI(t, replies, "scan", "0100-0101")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("docs=%v", docs)
	}
	if docs[0]["did"] != 256.0 || docs[0]["raw"] != "62010012AB" {
		t.Fatalf("finding=%v", docs[0])
	}
	sum, _ := docs[1]["data"].(map[string]any)
	if docs[1]["success"] != true || sum["probed"] != 2.0 || sum["found"] != 1.0 {
		t.Fatalf("summary=%v", docs[1])
	}
}

func TestScanCommandNeedsRanges(t *testing.T) {
	if _, err := runCLI(t, nil, "scan"); err == nil {
		t.Fatalf("expected error without ranges")
	}
}

func TestSendCommandRaw(t *testing.T) {
	docs, err := runCLI(t, nil, "send", "AT", "RV")
	if err != nil {
		t.Fatal(err)
	}
	if docs[0]["data"] != "12.6V" {
		t.Fatalf("docs=%v", docs)
	}
}

func TestInfoCommand(t *testing.T) {
	docs, err := runCLI(t, nil, "info")
	if err != nil {
		t.Fatal(err)
	}
	info, _ := docs[0]["data"].(map[string]any)
	if info["version"] != transporttest.Banner || info["voltage"] != 12.6 || info["detected_protocol"] != "A6" {
		t.Fatalf("info=%v", info)
	}
}

func TestOpenFailureIsRetriedAndReported(t *testing.T) {
	var calls atomic.Int32
	sessionOptions = []elm.Option{elm.WithOpener(func(transport.Config) (transport.Port, error) {
		calls.Add(1)
		return nil, errors.New("no such device")
	})}
	t.Cleanup(func() { sessionOptions = nil })
	args := append([]string{"vin"}, testFlags...)
	args = append(args, "--open-retries", "1", "--retry-delay", "1ms")
	docs, err := execute(t, args...)
	if !errors.Is(err, errFailed) {
		t.Fatalf("expected errFailed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("open attempts=%d", calls.Load())
	}
	if docs[0]["success"] != false || !strings.Contains(docs[0]["error"].(string), "no such device") {
		t.Fatalf("docs=%v", docs)
	}
}

func TestInvalidConfigNotRetried(t *testing.T) {
	var calls atomic.Int32
	sessionOptions = []elm.Option{elm.WithOpener(func(transport.Config) (transport.Port, error) {
		calls.Add(1)
		return nil, errors.New("unreachable")
	})}
	t.Cleanup(func() { sessionOptions = nil })
	if _, err := execute(t, append([]string{"vin"}, append(testFlags, "--protocol", "Z")...)...); err == nil {
		t.Fatalf("expected configuration error")
	}
	if calls.Load() != 0 {
		t.Fatalf("opener called %d times", calls.Load())
	}
}

func TestPortOf(t *testing.T) {
	for addr, want := range map[string]int{"127.0.0.1:35000": 35000, "[::]:20000": 20000, ":0": 0, "bogus": 0} {
		if got := portOf(addr); got != want {
			t.Fatalf("portOf(%q)=%d want %d", addr, got, want)
		}
	}
}
