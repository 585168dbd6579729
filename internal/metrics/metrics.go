package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-camera-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	Captures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camera_captures_total",
		Help: "Total frames captured from the camera device.",
	})
	CaptureErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camera_capture_errors_total",
		Help: "Total failed capture attempts (timeouts, device errors).",
	})
	CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camera_capture_duration_seconds",
		Help:    "Wall time of single-frame captures.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	FramesFanout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collector_frames_fanout_total",
		Help: "Total frame copies pushed into client queues.",
	})
	CollectorClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collector_active_clients",
		Help: "Current number of clients registered with the frame collector.",
	})
	QueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collector_queue_depth_max",
		Help: "Observed max queued frames among clients at last fan-out.",
	})
	TCPRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_messages_total",
		Help: "Total protocol messages parsed from TCP clients.",
	})
	TCPTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_messages_total",
		Help: "Total protocol messages written to TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total binary image frames written to TCP clients.",
	})
	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protocol_parse_errors_total",
		Help: "Total lines that could not be parsed as any message type.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Current number of connected client sessions.",
	})
	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_rejected_total",
		Help: "Total connection attempts rejected (e.g., max-clients).",
	})
	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcasts_total",
		Help: "Total broadcast messages fanned out to all sessions.",
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

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead   = "tcp_read"
	ErrTCPWrite  = "tcp_write"
	ErrAcceptLbl = "accept"
	ErrCapture   = "capture"
	ErrDevice    = "device"
	ErrParse     = "parse"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address.
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
		Addr:    addr,
		Handler: mux,
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
	localCaptures      uint64
	localCaptureErrors uint64
	localFanout        uint64
	localTCPRx         uint64
	localTCPTx         uint64
	localTxFrames      uint64
	localParseErrors   uint64
	localSessions      uint64
	localRejected      uint64
	localBroadcasts    uint64
	localErrors        uint64
	localClients       uint64
	localQDMax         uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Captures         uint64
	CaptureErrors    uint64
	Fanout           uint64
	TCPRx            uint64
	TCPTx            uint64
	TxFrames         uint64
	ParseErrors      uint64
	Sessions         uint64
	Rejected         uint64
	Broadcasts       uint64
	Errors           uint64 // sum across error labels
	CollectorClients uint64
	QueueDepthMax    uint64
}

func Snap() Snapshot {
	return Snapshot{
		Captures:         atomic.LoadUint64(&localCaptures),
		CaptureErrors:    atomic.LoadUint64(&localCaptureErrors),
		Fanout:           atomic.LoadUint64(&localFanout),
		TCPRx:            atomic.LoadUint64(&localTCPRx),
		TCPTx:            atomic.LoadUint64(&localTCPTx),
		TxFrames:         atomic.LoadUint64(&localTxFrames),
		ParseErrors:      atomic.LoadUint64(&localParseErrors),
		Sessions:         atomic.LoadUint64(&localSessions),
		Rejected:         atomic.LoadUint64(&localRejected),
		Broadcasts:       atomic.LoadUint64(&localBroadcasts),
		Errors:           atomic.LoadUint64(&localErrors),
		CollectorClients: atomic.LoadUint64(&localClients),
		QueueDepthMax:    atomic.LoadUint64(&localQDMax),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCapture(seconds float64) {
	Captures.Inc()
	CaptureDuration.Observe(seconds)
	atomic.AddUint64(&localCaptures, 1)
}

func IncCaptureError() {
	CaptureErrors.Inc()
	atomic.AddUint64(&localCaptureErrors, 1)
}

func AddFanout(n int) {
	FramesFanout.Add(float64(n))
	atomic.AddUint64(&localFanout, uint64(n))
}

func IncTCPRx() {
	TCPRxMessages.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func IncTCPTx() {
	TCPTxMessages.Inc()
	atomic.AddUint64(&localTCPTx, 1)
}

func IncTxFrame() {
	TCPTxFrames.Inc()
	atomic.AddUint64(&localTxFrames, 1)
}

func IncParseError() {
	ParseErrors.Inc()
	atomic.AddUint64(&localParseErrors, 1)
}

func SetSessions(n int) {
	SessionsActive.Set(float64(n))
	atomic.StoreUint64(&localSessions, uint64(n))
}

func IncSessionReject() {
	SessionsRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func IncBroadcast() {
	Broadcasts.Inc()
	atomic.AddUint64(&localBroadcasts, 1)
}

func SetCollectorClients(n int) {
	CollectorClients.Set(float64(n))
	atomic.StoreUint64(&localClients, uint64(n))
}

// SetQueueDepthMax records the deepest client queue seen at a fan-out round.
func SetQueueDepthMax(n int) {
	QueueDepthMax.Set(float64(n))
	atomic.StoreUint64(&localQDMax, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrAcceptLbl,
		ErrCapture, ErrDevice, ErrParse,
	} {
		Errors.WithLabelValues(lbl).Add(0)
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
