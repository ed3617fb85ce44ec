package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions
var (
	LoadAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grammargate_load_attempts_total",
		Help: "Grammar load attempts by outcome and rejection kind.",
	}, []string{"outcome", "kind"})

	LoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grammargate_load_seconds",
		Help:    "Time spent validating and registering a grammar artifact.",
		Buckets: prometheus.DefBuckets,
	}, []string{"format"})

	RegistryLanguages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grammargate_registry_languages",
		Help: "Number of languages currently registered.",
	})

	VerificationIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grammargate_verification_issues_total",
		Help: "Manifest verification issues by kind.",
	}, []string{"kind"})

	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grammargate_probe_seconds",
		Help:    "Time spent parsing a probe source with a loaded grammar.",
		Buckets: prometheus.DefBuckets,
	}, []string{"language"})

	WatcherEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grammargate_watcher_events_total",
		Help: "Total number of file system events received by the watcher.",
	})

	ReloadsThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grammargate_reloads_throttled_total",
		Help: "Reloads deferred because the reload rate limit was exceeded.",
	})

	AuditWriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grammargate_audit_write_errors_total",
		Help: "Load attempts that could not be written to the audit store.",
	})
)
