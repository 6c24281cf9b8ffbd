package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tabgate/tabgate/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// GatewayObserver exports gateway metrics to Prometheus.
type GatewayObserver struct {
	connGauge       *prometheus.GaugeVec
	admitTotal      *prometheus.CounterVec
	authTotal       *prometheus.CounterVec
	closeTotal      *prometheus.CounterVec
	rateLimitTotal  *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	terminalTotal   *prometheus.CounterVec
	terminalLatency prometheus.Histogram
	dedupTotal      prometheus.Counter
	pendingGauge    prometheus.Gauge
	healthStatus    *prometheus.GaugeVec
}

// NewGatewayObserver registers gateway metrics on the registry.
func NewGatewayObserver(reg *prometheus.Registry) *GatewayObserver {
	o := &GatewayObserver{
		connGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tabgate_connections",
			Help: "Current websocket connection count by role.",
		}, []string{"role"}),
		admitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabgate_admit_total",
			Help: "Websocket admission attempts by result and reason.",
		}, []string{"result", "reason"}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabgate_auth_total",
			Help: "Challenge/response handshake outcomes.",
		}, []string{"result"}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabgate_close_total",
			Help: "Connection close reasons.",
		}, []string{"reason"}),
		rateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabgate_rate_limited_total",
			Help: "Rate-limit rejections by window class.",
		}, []string{"class"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabgate_dispatch_total",
			Help: "Commands dispatched to extensions by action.",
		}, []string{"action"}),
		terminalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tabgate_request_terminal_total",
			Help: "Request terminal transitions by status.",
		}, []string{"status"}),
		terminalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tabgate_request_latency_seconds",
			Help:    "Latency from registration to terminal transition.",
			Buckets: prometheus.DefBuckets,
		}),
		dedupTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tabgate_deduplicated_total",
			Help: "Commands folded onto an in-flight request.",
		}),
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tabgate_pending_requests",
			Help: "Current pending request count.",
		}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tabgate_health_status",
			Help: "Resource monitor status (1 for the active status).",
		}, []string{"status"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.admitTotal,
		o.authTotal,
		o.closeTotal,
		o.rateLimitTotal,
		o.dispatchTotal,
		o.terminalTotal,
		o.terminalLatency,
		o.dedupTotal,
		o.pendingGauge,
		o.healthStatus,
	)
	return o
}

func (o *GatewayObserver) ConnCount(role string, n int) {
	o.connGauge.WithLabelValues(role).Set(float64(n))
}

func (o *GatewayObserver) Admit(result observability.AdmitResult, reason observability.AdmitReason) {
	o.admitTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *GatewayObserver) Auth(result observability.AuthResult) {
	o.authTotal.WithLabelValues(string(result)).Inc()
}

func (o *GatewayObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *GatewayObserver) RateLimited(class string) {
	o.rateLimitTotal.WithLabelValues(class).Inc()
}

func (o *GatewayObserver) Dispatch(action string) {
	o.dispatchTotal.WithLabelValues(action).Inc()
}

func (o *GatewayObserver) Terminal(status observability.TerminalStatus, d time.Duration) {
	o.terminalTotal.WithLabelValues(string(status)).Inc()
	o.terminalLatency.Observe(d.Seconds())
}

func (o *GatewayObserver) Deduplicated() {
	o.dedupTotal.Inc()
}

func (o *GatewayObserver) PendingCount(n int) {
	o.pendingGauge.Set(float64(n))
}

func (o *GatewayObserver) HealthStatus(status string) {
	for _, s := range []string{"healthy", "warning", "critical"} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		o.healthStatus.WithLabelValues(s).Set(v)
	}
}
