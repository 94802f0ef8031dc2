package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.05, 0.25, 1, 5, 30, 120, 600, 1800}

// routeMetrics holds the collectors recorded by the router middleware.
type routeMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	deploys       *prometheus.CounterVec
	rateLimitHits *prometheus.CounterVec
}

func newRouteMetrics(reg prometheus.Registerer) *routeMetrics {
	m := &routeMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "springops",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		// Deploy requests run the whole pipeline, so buckets reach into minutes.
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "springops",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route"}),
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "springops",
			Subsystem: "api",
			Name:      "deploy_requests_total",
			Help:      "Deploy requests by application and result",
		}, []string{"application_id", "result"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "springops",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "scope"}),
	}
	if reg == nil {
		return m
	}
	m.requests = register(reg, m.requests)
	m.latency = register(reg, m.latency)
	m.deploys = register(reg, m.deploys)
	m.rateLimitHits = register(reg, m.rateLimitHits)
	return m
}

// register adds c to reg, returning the collector already registered under
// the same descriptor when there is one.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *routeMetrics) observeRequest(method, route string, status int, duration time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// observeDeploy counts a deploy request. result is the pipeline outcome for
// requests that reached the pipeline, else the rejection reason.
func (m *routeMetrics) observeDeploy(applicationID int64, result string) {
	m.deploys.WithLabelValues(strconv.FormatInt(applicationID, 10), result).Inc()
}

func (m *routeMetrics) observeRateLimit(route, scope string) {
	m.rateLimitHits.WithLabelValues(route, scope).Inc()
}

// deployRejection names why a deploy request never reached the pipeline.
func deployRejection(err error) string {
	switch statusForError(err) {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusBadGateway:
		return "git_unavailable"
	default:
		return "error"
	}
}
