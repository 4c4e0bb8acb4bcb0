package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-elm327-diag/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elm_transactions_total",
		Help: "Diagnostic transactions by classified outcome.",
	}, []string{"outcome"})
	TransactionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "elm_transaction_duration_seconds",
		Help:    "Time from command write to response completion.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	AdapterTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elm_adapter_tx_bytes_total",
		Help: "Bytes written to the adapter transport.",
	})
	AdapterRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elm_adapter_rx_bytes_total",
		Help: "Bytes read from the adapter transport.",
	})
	ScanProbes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elm_scan_probes_total",
		Help: "Data identifiers probed by the address scanner.",
	})
	ScanFindings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elm_scan_findings_total",
		Help: "Data identifiers that answered positively during scans.",
	})
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "elm_session_state",
		Help: "Adapter session state (0 closed, 1 opening, 2 initializing, 3 ready, 4 configuring).",
	})
	BridgeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "elm_bridge_clients",
		Help: "Clients currently attached to the adapter bridge (0 or 1).",
	})
	BridgeRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elm_bridge_rejected_total",
		Help: "Bridge connections rejected because the adapter was in use.",
	})
	BridgeCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elm_bridge_commands_total",
		Help: "Commands relayed by the bridge to the adapter.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Outcome label values (bounded cardinality).
const (
	OutcomePositive  = "positive"
	OutcomeNegative  = "negative"
	OutcomeNoData    = "no_data"
	OutcomeTimeout   = "timeout"
	OutcomeMalformed = "malformed"
	OutcomeRaw       = "raw"
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTransportOpen  = "transport_open"
	ErrTransportRead  = "transport_read"
	ErrTransportWrite = "transport_write"
	ErrAdapterInit    = "adapter_init"
	ErrAdapterConfig  = "adapter_config"
	ErrScan           = "scan"
	ErrDecode         = "decode"
	ErrBridgeRead     = "bridge_read"
	ErrBridgeWrite    = "bridge_write"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localPositive  uint64
	localNegative  uint64
	localNoData    uint64
	localTimeout   uint64
	localMalformed uint64
	localRaw       uint64
	localTxBytes   uint64
	localRxBytes   uint64
	localProbes    uint64
	localFindings  uint64
	localErrors    uint64
	localState     uint64
	localClients   uint64
	localRejected  uint64
	localBridgeCmd uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Positive       uint64
	Negative       uint64
	NoData         uint64
	Timeout        uint64
	Malformed      uint64
	Raw            uint64
	TxBytes        uint64
	RxBytes        uint64
	ScanProbes     uint64
	ScanFindings   uint64
	Errors         uint64 // sum across error labels
	SessionState   uint64
	BridgeClients  uint64
	BridgeRejected uint64
	BridgeCommands uint64
}

// Transactions returns the number of classified transactions.
func (s Snapshot) Transactions() uint64 {
	return s.Positive + s.Negative + s.NoData + s.Timeout + s.Malformed
}

func Snap() Snapshot {
	return Snapshot{
		Positive:       atomic.LoadUint64(&localPositive),
		Negative:       atomic.LoadUint64(&localNegative),
		NoData:         atomic.LoadUint64(&localNoData),
		Timeout:        atomic.LoadUint64(&localTimeout),
		Malformed:      atomic.LoadUint64(&localMalformed),
		Raw:            atomic.LoadUint64(&localRaw),
		TxBytes:        atomic.LoadUint64(&localTxBytes),
		RxBytes:        atomic.LoadUint64(&localRxBytes),
		ScanProbes:     atomic.LoadUint64(&localProbes),
		ScanFindings:   atomic.LoadUint64(&localFindings),
		Errors:         atomic.LoadUint64(&localErrors),
		SessionState:   atomic.LoadUint64(&localState),
		BridgeClients:  atomic.LoadUint64(&localClients),
		BridgeRejected: atomic.LoadUint64(&localRejected),
		BridgeCommands: atomic.LoadUint64(&localBridgeCmd),
	}
}

// ObserveTransaction counts one finished transaction by outcome label.
func ObserveTransaction(outcome string, d time.Duration) {
	Transactions.WithLabelValues(outcome).Inc()
	TransactionSeconds.Observe(d.Seconds())
	switch outcome {
	case OutcomePositive:
		atomic.AddUint64(&localPositive, 1)
	case OutcomeNegative:
		atomic.AddUint64(&localNegative, 1)
	case OutcomeNoData:
		atomic.AddUint64(&localNoData, 1)
	case OutcomeTimeout:
		atomic.AddUint64(&localTimeout, 1)
	case OutcomeMalformed:
		atomic.AddUint64(&localMalformed, 1)
	case OutcomeRaw:
		atomic.AddUint64(&localRaw, 1)
	}
}

func AddTxBytes(n int) {
	AdapterTxBytes.Add(float64(n))
	atomic.AddUint64(&localTxBytes, uint64(n))
}

func AddRxBytes(n int) {
	AdapterRxBytes.Add(float64(n))
	atomic.AddUint64(&localRxBytes, uint64(n))
}

func IncScanProbe() {
	ScanProbes.Inc()
	atomic.AddUint64(&localProbes, 1)
}

func IncScanFinding() {
	ScanFindings.Inc()
	atomic.AddUint64(&localFindings, 1)
}

// SetSessionState records the numeric adapter session state.
func SetSessionState(s int) {
	SessionState.Set(float64(s))
	atomic.StoreUint64(&localState, uint64(s))
}

func SetBridgeClients(n int) {
	BridgeClients.Set(float64(n))
	atomic.StoreUint64(&localClients, uint64(n))
}

func IncBridgeReject() {
	BridgeRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func IncBridgeCommand() {
	BridgeCommands.Inc()
	atomic.AddUint64(&localBridgeCmd, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTransportOpen, ErrTransportRead, ErrTransportWrite,
		ErrAdapterInit, ErrAdapterConfig, ErrScan, ErrDecode,
		ErrBridgeRead, ErrBridgeWrite,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, o := range []string{OutcomePositive, OutcomeNegative, OutcomeNoData, OutcomeTimeout, OutcomeMalformed, OutcomeRaw} {
		Transactions.WithLabelValues(o).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
