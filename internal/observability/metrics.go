package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_gateway_requests_total",
			Help: "Total requests by route pattern and method.",
		},
		[]string{"endpoint", "method"},
	)
	RoleResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_gateway_role_resolutions_total",
			Help: "Settled role resolutions by role.",
		},
		[]string{"role"},
	)
	FlagFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_gateway_flag_fetches_total",
			Help: "Backend privilege lookups by flag and outcome (ok, failed, auth_expired).",
		},
		[]string{"flag", "outcome"},
	)
	StaleFlagResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_gateway_stale_flag_results_total",
			Help: "Lookup results discarded because the session changed while they were in flight.",
		},
	)
	GuardDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_gateway_guard_decisions_total",
			Help: "Route guard outcomes (allowed, loading, redirected).",
		},
		[]string{"outcome"},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_gateway_active_sessions",
			Help: "Client sessions currently held by the gateway.",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestCounter, RoleResolutions, FlagFetches, StaleFlagResults, GuardDecisions, ActiveSessions)
}
