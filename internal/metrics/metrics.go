package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Metered invocation metrics
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counsel_invocations_total",
			Help: "Total number of metered provider invocations",
		},
		[]string{"model", "status"},
	)

	InvocationCostTenths = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "counsel_invocation_cost_tenths",
			Help:    "Cost per invocation in tenths of cents",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		},
	)

	TokenFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "counsel_token_fallbacks_total",
			Help: "Invocations billed via the heuristic token estimator because provider usage metadata was absent",
		},
	)

	DuplicateUsageRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "counsel_duplicate_usage_records_total",
			Help: "Usage records silently absorbed by the idempotency constraint",
		},
	)

	// Orchestration metrics
	GraphRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counsel_graph_runs_total",
			Help: "Total number of orchestration graph runs",
		},
		[]string{"status"},
	)

	AdvisorTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counsel_advisor_tasks_total",
			Help: "Advisor tasks executed by origin and outcome",
		},
		[]string{"origin", "status"},
	)

	ResolverFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "counsel_resolver_fallbacks_total",
			Help: "Times the resolver fell back to the default generalist task",
		},
	)

	TasksTruncated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "counsel_tasks_truncated_total",
			Help: "Resolved task lists truncated to the configured maximum",
		},
	)

	// Payment metrics
	PaymentsCredited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "counsel_payments_credited_total",
			Help: "Payment intents credited to a balance exactly once",
		},
	)

	DuplicatePaymentEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "counsel_duplicate_payment_events_total",
			Help: "Webhook deliveries absorbed because the intent was already claimed",
		},
	)

	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "counsel_pricing_fallbacks_total",
			Help: "Pricing lookups that failed by reason",
		},
		[]string{"reason"},
	)
)
