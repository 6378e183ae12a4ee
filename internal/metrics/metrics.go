// Package metrics holds the prometheus collectors exposed by farfs processes.
//
// Collectors are registered against the Registerer passed to the
// constructor. Passing a nil Registerer creates working but unregistered
// collectors, which is what tests and components without a configured
// registry use.
package metrics

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds metrics for the request processor and its transport.
type Server struct {
	Requests       *prometheus.CounterVec
	RequestSeconds *prometheus.HistogramVec
	Malformed      prometheus.Counter
	RateLimited    prometheus.Counter
	ReplayedReply  prometheus.Counter
	DroppedReplay  prometheus.Counter
	OpenFiles      prometheus.Gauge
	EvictedFiles   prometheus.Counter
}

// NewServer creates server metrics registered to reg.
func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farfs",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests processed by op and response status.",
		}, []string{"op", "status"}),
		RequestSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "farfs",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time spent processing requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
		Malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farfs",
			Subsystem: "server",
			Name:      "malformed_datagrams_total",
			Help:      "Datagrams discarded because they could not be decoded.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farfs",
			Subsystem: "server",
			Name:      "rate_limited_datagrams_total",
			Help:      "Datagrams dropped by the rate limiter.",
		}),
		ReplayedReply: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farfs",
			Subsystem: "server",
			Name:      "replayed_replies_total",
			Help:      "Retransmitted requests answered from the reply cache.",
		}),
		DroppedReplay: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farfs",
			Subsystem: "server",
			Name:      "dropped_retransmissions_total",
			Help:      "Retransmitted requests dropped while the original was still running.",
		}),
		OpenFiles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "farfs",
			Subsystem: "server",
			Name:      "open_files",
			Help:      "Files currently held open on behalf of clients.",
		}),
		EvictedFiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farfs",
			Subsystem: "server",
			Name:      "evicted_files_total",
			Help:      "Open files closed after staying idle.",
		}),
	}
}

// Client holds metrics for the client transport.
type Client struct {
	Requests    *prometheus.CounterVec
	Retries     prometheus.Counter
	Timeouts    prometheus.Counter
	LateReplies prometheus.Counter
	Malformed   prometheus.Counter
	Inflight    prometheus.Gauge
}

// NewClient creates client metrics registered to reg.
func NewClient(reg prometheus.Registerer) *Client {
	f := promauto.With(reg)
	return &Client{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farfs",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Requests sent by op and outcome.",
		}, []string{"op", "outcome"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farfs",
			Subsystem: "client",
			Name:      "retransmissions_total",
			Help:      "Requests retransmitted after a timeout.",
		}),
		Timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farfs",
			Subsystem: "client",
			Name:      "timeouts_total",
			Help:      "Requests abandoned after exhausting all attempts.",
		}),
		LateReplies: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farfs",
			Subsystem: "client",
			Name:      "unmatched_replies_total",
			Help:      "Duplicate or late replies with no pending request.",
		}),
		Malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farfs",
			Subsystem: "client",
			Name:      "malformed_datagrams_total",
			Help:      "Datagrams discarded because they could not be decoded.",
		}),
		Inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "farfs",
			Subsystem: "client",
			Name:      "inflight_requests",
			Help:      "Requests awaiting a response.",
		}),
	}
}

// Handler returns an HTTP handler exposing metrics from g at /metrics and a
// readiness probe at /-/ready.
func Handler(g prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}).Methods(http.MethodGet)
	return r
}
