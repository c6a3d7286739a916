package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsSent counts REQUEST broadcasts started by a site.
	RequestsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skmutex_requests_sent_total",
		Help: "Total number of REQUEST broadcasts",
	}, []string{"site"})
	// RequestsReceived counts REQUEST messages handled by a site.
	RequestsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skmutex_requests_received_total",
		Help: "Total number of REQUEST messages received",
	}, []string{"site"})
	// RequestsStale counts outdated REQUEST messages.
	RequestsStale = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skmutex_requests_stale_total",
		Help: "Total number of stale REQUEST messages ignored",
	}, []string{"site"})
	TokensSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skmutex_tokens_sent_total",
		Help: "Total number of TOKEN messages sent",
	}, []string{"site"})
	TokensReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skmutex_tokens_received_total",
		Help: "Total number of TOKEN messages received",
	}, []string{"site"})
	// CSEntries counts critical section entries.
	CSEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skmutex_cs_entries_total",
		Help: "Total number of critical section entries",
	}, []string{"site"})
	// HasToken is 1 while the site holds the token.
	HasToken = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skmutex_has_token",
		Help: "Whether the site currently holds the token",
	}, []string{"site"})
	InCS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skmutex_in_cs",
		Help: "Whether the site is inside its critical section",
	}, []string{"site"})
	Waiting = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skmutex_waiting",
		Help: "Whether the site is waiting for the token",
	}, []string{"site"})
	// AcquireSeconds observes how long Acquire waited for the token.
	AcquireSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skmutex_acquire_seconds",
		Help:    "Time spent waiting to enter the critical section",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"site"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers skmutex metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestsSent, RequestsReceived, RequestsStale,
		TokensSent, TokensReceived, CSEntries,
		HasToken, InCS, Waiting,
		AcquireSeconds,
	)
}
