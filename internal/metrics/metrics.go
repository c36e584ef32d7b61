package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage counters and histograms.

var (
	// Intake
	LogsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "intake",
		Name:      "logs_received_total",
		Help:      "Raw logs read from the source",
	}, []string{"source"})

	LogsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "intake",
		Name:      "logs_removed_total",
		Help:      "Logs dropped because a reorg removed them",
	})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "normalizer",
		Name:      "decode_errors_total",
		Help:      "Raw logs dropped as malformed",
	}, []string{"field"})

	EventsNormalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "normalizer",
		Name:      "events_total",
		Help:      "Log events produced, by decoded event name",
	}, []string{"event"})

	// Engine
	UnitsEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "engine",
		Name:      "units_evaluated_total",
		Help:      "Evaluation contexts run through the rule engine",
	})

	RuleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "engine",
		Name:      "rule_failures_total",
		Help:      "Rule evaluations that returned an error, panicked or timed out",
	}, []string{"rule"})

	ContextTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "engine",
		Name:      "context_timeouts_total",
		Help:      "Evaluation contexts that exceeded their deadline",
	})

	EvaluationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chainwatch",
		Subsystem: "engine",
		Name:      "evaluation_duration_seconds",
		Help:      "Time to build and evaluate one unit",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	// Alerts
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "alerts",
		Name:      "raised_total",
		Help:      "Alerts produced by rules before deduplication",
	}, []string{"rule", "severity"})

	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "alerts",
		Name:      "suppressed_total",
		Help:      "Alerts dropped by the dedup guard",
	}, []string{"rule"})

	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "alerts",
		Name:      "emitted_total",
		Help:      "Alerts handed to the sinks",
	}, []string{"rule", "severity"})

	GuardEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainwatch",
		Subsystem: "alerts",
		Name:      "guard_entries",
		Help:      "Fingerprints currently tracked by the dedup guard",
	})

	// Sinks
	SinkDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "sink",
		Name:      "deliveries_total",
		Help:      "Alert deliveries by sink and outcome",
	}, []string{"sink", "outcome"})

	SinkLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chainwatch",
		Subsystem: "sink",
		Name:      "delivery_duration_seconds",
		Help:      "Alert delivery duration per sink",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"sink"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "sink",
		Name:      "dead_letters_total",
		Help:      "Alerts that exhausted their retries",
	}, []string{"sink"})

	// Registry
	RegistryProtocols = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainwatch",
		Subsystem: "registry",
		Name:      "protocols",
		Help:      "Protocols in the active registry snapshot",
	})

	RegistryReloadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "registry",
		Name:      "reload_errors_total",
		Help:      "Failed registry refreshes",
	}, []string{"source"})

	// Source
	SourceHeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainwatch",
		Subsystem: "source",
		Name:      "head_block",
		Help:      "Latest block number seen by the source",
	}, []string{"chain"})

	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "source",
		Name:      "errors_total",
		Help:      "Source read failures by source and kind",
	}, []string{"source", "kind"})

	// HTTP push source
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Push requests by response status",
	}, []string{"code"})

	HTTPRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Push requests rejected by the per-IP rate limiter",
	})

	// Kafka
	KafkaMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "kafka",
		Name:      "messages_total",
		Help:      "Kafka messages by direction (produced, consumed)",
	}, []string{"direction"})

	KafkaErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "kafka",
		Name:      "errors_total",
		Help:      "Failed Kafka writes, fetches and commits",
	}, []string{"op"})
)
