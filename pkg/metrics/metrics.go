// Package metrics exposes run counters to Prometheus. Every method is safe
// on a nil *Metrics, so components can be built without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ircal"

type Metrics struct {
	gatherer prometheus.Gatherer

	runsTotal        *prometheus.CounterVec
	recordsTotal     prometheus.Counter
	stabilitySamples prometheus.Counter
	invalidSamples   prometheus.Counter
	forcedSettles    prometheus.Counter
	deviceErrors     *prometheus.CounterVec
	pointDuration    prometheus.Histogram
	stage            *prometheus.GaugeVec
	progress         prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg means a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Calibration runs by outcome.",
		}, []string{"result"}),
		recordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Calibration records produced.",
		}),
		stabilitySamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stability_samples_total",
			Help:      "Reference samples fed to the stability detector.",
		}),
		invalidSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_samples_total",
			Help:      "Non-finite reference samples dropped.",
		}),
		forcedSettles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_settles_total",
			Help:      "Positioner moves that timed out and settled without an arrival.",
		}),
		deviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Failed device commands by device.",
		}, []string{"device"}),
		pointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "point_duration_seconds",
			Help:      "Time from point start to its last record.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}),
		stage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage",
			Help:      "1 for the active run stage, 0 otherwise.",
		}, []string{"stage"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_percent",
			Help:      "Overall run progress.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.runsTotal,
		m.recordsTotal,
		m.stabilitySamples,
		m.invalidSamples,
		m.forcedSettles,
		m.deviceErrors,
		m.pointDuration,
		m.stage,
		m.progress,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// GinMiddleware counts requests per matched route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RunEnded(result string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordsAdded(n int) {
	if m == nil {
		return
	}
	m.recordsTotal.Add(float64(n))
}

func (m *Metrics) StabilitySample(valid bool) {
	if m == nil {
		return
	}
	if valid {
		m.stabilitySamples.Inc()
	} else {
		m.invalidSamples.Inc()
	}
}

func (m *Metrics) ForcedSettle() {
	if m == nil {
		return
	}
	m.forcedSettles.Inc()
}

func (m *Metrics) DeviceError(device string) {
	if m == nil {
		return
	}
	m.deviceErrors.WithLabelValues(device).Inc()
}

func (m *Metrics) PointCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.pointDuration.Observe(d.Seconds())
}

// SetStage marks stage as the only active one.
func (m *Metrics) SetStage(stage string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == stage {
			v = 1
		}
		m.stage.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetProgress(percent int) {
	if m == nil {
		return
	}
	m.progress.Set(float64(percent))
}
