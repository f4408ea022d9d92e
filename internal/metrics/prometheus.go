package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dora_agent_turn_duration_seconds",
			Help:    "Turn processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"status"},
	)

	TurnTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dora_agent_turn_total",
			Help: "Total number of turns processed",
		},
		[]string{"status"},
	)

	GateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dora_agent_gate_rejections_total",
			Help: "Candidate queries rejected by the safety gate",
		},
		[]string{"reason"},
	)

	SynthesisAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dora_agent_synthesis_attempts",
			Help:    "Synthesis attempts consumed per turn",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	ExecutionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dora_agent_execution_retries_total",
			Help: "Execution attempts beyond the first",
		},
	)

	IntentConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dora_agent_intent_confidence",
			Help:    "Classifier confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dora_agent_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dora_agent_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dora_agent_active_sessions",
			Help: "Sessions currently held in the context store",
		},
	)

	InvariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dora_agent_invariant_violations_total",
			Help: "Gate-approved queries the warehouse rejected as malformed",
		},
	)
)

func Init() {
	prometheus.MustRegister(TurnDuration)
	prometheus.MustRegister(TurnTotal)
	prometheus.MustRegister(GateRejections)
	prometheus.MustRegister(SynthesisAttempts)
	prometheus.MustRegister(ExecutionRetries)
	prometheus.MustRegister(IntentConfidence)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(InvariantViolations)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
