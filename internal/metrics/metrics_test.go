package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveTransactionMirrors(t *testing.T) {
	before := Snap()
	ObserveTransaction(OutcomePositive, 10*time.Millisecond)
	ObserveTransaction(OutcomeNegative, 5*time.Millisecond)
	ObserveTransaction(OutcomeRaw, time.Millisecond)
	after := Snap()
	if after.Positive != before.Positive+1 || after.Negative != before.Negative+1 {
		t.Fatalf("outcome mirrors not incremented: before=%+v after=%+v", before, after)
	}
	if after.Transactions() != before.Transactions()+2 {
		t.Fatalf("raw exchanges must not count as classified transactions")
	}
}

func TestReadinessHandler(t *testing.T) {
	SetReadinessFunc(func() bool { return false })
	t.Cleanup(func() { SetReadinessFunc(nil) })
	if IsReady() {
		t.Fatalf("expected not ready")
	}
	SetReadinessFunc(nil)
	if !IsReady() {
		t.Fatalf("nil readiness func must report ready")
	}
}

func TestPromHandlerExposesCounters(t *testing.T) {
	InitBuildInfo("test", "none", "unknown")
	IncScanProbe()
	srv := StartHTTP("127.0.0.1:0")
	defer srv.Close()
	// The listener address is not exposed; exercise the handler directly instead.
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	for _, want := range []string{"elm_scan_probes_total", "elm_transactions_total", "build_info"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metric %s missing from exposition", want)
		}
	}
}
