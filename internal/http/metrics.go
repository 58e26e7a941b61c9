package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/awilliams-2020/theqrcode-sub002/internal/service/monitoring"
)

const metricsNamespace = "qrcode"

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		r.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})

		r.requestTotal = registerCollector(r.requestTotal)
		r.requestLatency = registerCollector(r.requestLatency)
		r.rateLimitHits = registerCollector(r.rateLimitHits)

		gauges := []prometheus.Collector{
			r.monitorGauge("uptime_percent", "Uptime over the tracking period", r.monitor.Uptime),
			r.monitorGauge("error_rate", "Fraction of recent requests with status >= 400", func() float64 {
				return r.monitor.ErrorRate(nil)
			}),
			r.monitorGauge("avg_response_time_ms", "Mean response time of recent requests", func() float64 {
				return r.monitor.AverageResponseTime("", nil)
			}),
			r.monitorGauge("active_alerts", "Number of unresolved alerts", func() float64 {
				return float64(len(r.monitor.ActiveAlerts()))
			}),
			r.monitorGauge("heap_gb", "Go heap in use", r.monitor.MemoryUsageGB),
		}
		for _, name := range []string{monitoring.BufferMetrics, monitoring.BufferErrors, monitoring.BufferSecurity} {
			gauges = append(gauges, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   metricsNamespace,
				Subsystem:   "monitoring",
				Name:        "buffer_fill_ratio",
				Help:        "Share of a monitoring ring buffer in use",
				ConstLabels: prometheus.Labels{"buffer": name},
			}, func() float64 { return r.monitor.BufferFill(name) }))
		}
		gauges = append(gauges, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stream",
			Name:      "dropped_messages_total",
			Help:      "Stream payloads discarded because the hub queue was full",
		}, func() float64 { return float64(r.hub.Dropped()) }))
		for _, g := range gauges {
			registerCollector(g)
		}
		r.metricsInitialized = true
	})
}

func (r *Router) monitorGauge(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "monitoring",
		Name:      name,
		Help:      help,
	}, fn)
}

// registerCollector registers c with the default registry, returning the
// already registered collector when one with the same descriptor exists.
func registerCollector[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
