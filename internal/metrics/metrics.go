package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseRuns counts completed phase runs by phase and terminal status
	PhaseRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routekeeper_phase_runs_total",
			Help: "Total number of phase runs by terminal status",
		},
		[]string{"phase", "status"},
	)

	// PhaseDuration tracks the time spent running one phase
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routekeeper_phase_duration_seconds",
			Help:    "Phase run duration in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"phase"},
	)

	// NarrowedCandidates tracks how many rules survive narrowing per pass
	NarrowedCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routekeeper_narrowed_candidates",
			Help:    "Number of candidate rules after narrowing",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 500, 1000},
		},
		[]string{"phase"},
	)

	// PredicateEvaluations counts predicate evaluations that missed the request cache
	PredicateEvaluations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routekeeper_predicate_evaluations_total",
			Help: "Total number of predicate evaluations",
		},
	)

	// PredicateCacheHits counts predicate results served from the request cache
	PredicateCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "routekeeper_predicate_cache_hits_total",
			Help: "Total number of predicate results served from the request cache",
		},
	)

	// RelookupLimit counts phases that stopped at the relookup bound
	RelookupLimit = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routekeeper_relookup_limit_total",
			Help: "Total number of phase runs that reached the relookup limit",
		},
		[]string{"phase"},
	)

	// ActionErrors counts fatal action errors
	ActionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routekeeper_action_errors_total",
			Help: "Total number of fatal action errors",
		},
		[]string{"phase"},
	)

	// EngineBuilds counts engine builds by result
	EngineBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routekeeper_engine_builds_total",
			Help: "Total number of engine builds by result",
		},
		[]string{"result"},
	)

	// RulesLoaded reports the rule count of the most recently built engine
	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "routekeeper_rules_loaded",
			Help: "Number of rules in the most recently built engine",
		},
	)

	// ReloadsTotal counts rule reload attempts by result
	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routekeeper_reloads_total",
			Help: "Total number of rule reload attempts by result",
		},
		[]string{"result"},
	)

	// HTTPRequests counts requests handled by the HTTP host
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routekeeper_http_requests_total",
			Help: "Total number of HTTP requests by outcome",
		},
		[]string{"outcome"},
	)

	// HTTPDuration tracks HTTP request handling duration
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routekeeper_http_request_duration_seconds",
			Help:    "HTTP request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

// Build and reload results
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// HTTP outcomes
const (
	OutcomeProxied   = "proxied"
	OutcomeResponded = "responded"
	OutcomeDeclined  = "declined"
	OutcomeError     = "error"
)
