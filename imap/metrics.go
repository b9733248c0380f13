package imap

import "github.com/prometheus/client_golang/prometheus"

// EnablePrometheusIntegration gates metrics registration, mirroring the
// teacher's misc.EnablePrometheusIntegration program-global flag.
var EnablePrometheusIntegration bool

// sourceMetrics is the small metrics surface a SharedConn publishes:
// command latency, folder-selection cache hit/miss, and keepalive
// failures. Grounded on daemon/maintenance/perfmetrics.go's GaugeVec/
// HistogramVec construction and daemon/httpproxy.go's
// "if misc.EnablePrometheusIntegration { ... prometheus.Register(...) }"
// idiom in the teacher.
type sourceMetrics struct {
	commandDuration *prometheus.HistogramVec
	selectCacheHit  *prometheus.CounterVec
	keepaliveFail   *prometheus.CounterVec
	connAlive       *prometheus.GaugeVec
}

var metricsLabelNames = []string{"source"}

func newSourceMetrics() *sourceMetrics {
	m := &sourceMetrics{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imapsource_command_duration_seconds",
			Help:    "Duration of forwarded protocol commands in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, metricsLabelNames),
		selectCacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imapsource_select_cache_total",
			Help: "Count of select() calls by whether they hit the cached folder selection",
		}, []string{"source", "result"}),
		keepaliveFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imapsource_keepalive_failures_total",
			Help: "Count of keepalive NOOPs that failed and marked the connection dead",
		}, metricsLabelNames),
		connAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imapsource_connection_alive",
			Help: "1 if the shared connection is currently usable, 0 otherwise",
		}, metricsLabelNames),
	}
	if EnablePrometheusIntegration {
		for _, collector := range []prometheus.Collector{m.commandDuration, m.selectCacheHit, m.keepaliveFail, m.connAlive} {
			_ = prometheus.Register(collector)
		}
	}
	return m
}
