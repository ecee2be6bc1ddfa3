package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_http_requests_total",
		Help: "REST requests by route and status code.",
	}, []string{"method", "route", "code"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_http_request_duration_seconds",
		Help:    "REST request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// observe records a finished request. Routes are labelled by their mux
// pattern so that path parameters do not blow up cardinality.
func observe(r *http.Request, status int, elapsed time.Duration) {
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
}
