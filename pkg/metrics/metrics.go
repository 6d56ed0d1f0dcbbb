package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster state metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stevedore_nodes_total",
			Help: "Number of nodes by runtime kind and status",
		},
		[]string{"runtime", "status"},
	)

	PodsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stevedore_pods_total",
			Help: "Number of pods by status",
		},
		[]string{"status"},
	)

	WorkloadsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_workloads_total",
			Help: "Number of workloads",
		},
	)

	PacksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_packs_total",
			Help: "Number of registered pack versions",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stevedore_scheduling_latency_seconds",
			Help:    "Time from dequeue to bind for one pod",
			Buckets: prometheus.DefBuckets,
		},
	)

	PodsBound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stevedore_pods_bound_total",
			Help: "Total number of successful pod bindings",
		},
	)

	PodsUnschedulable = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_pods_unschedulable_total",
			Help: "Scheduling attempts that found no feasible node, by reason",
		},
		[]string{"reason"},
	)

	// Lease engine metrics
	NodeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_node_transitions_total",
			Help: "Node health transitions by target status",
		},
		[]string{"to"},
	)

	PodsRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stevedore_pods_revoked_total",
			Help: "Pods revoked by lease expiry",
		},
	)

	// Controller metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stevedore_reconcile_duration_seconds",
			Help:    "Duration of one workload controller pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stevedore_reconcile_cycles_total",
			Help: "Total workload controller passes",
		},
	)

	WorkloadsStalled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stevedore_workloads_stalled_total",
			Help: "Workload rollouts paused by crash-loop backoff",
		},
	)

	// Session layer metrics
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stevedore_sessions_active",
			Help: "Live agent and pod-runtime sessions",
		},
		[]string{"kind"},
	)

	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_frames_received_total",
			Help: "Inbound wire frames by message type",
		},
		[]string{"type"},
	)

	FramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stevedore_frames_dropped_total",
			Help: "Inbound frames dropped by per-session backpressure",
		},
	)

	// Routing arbiter metrics
	RouteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_route_requests_total",
			Help: "Routing decisions by outcome",
		},
		[]string{"outcome"},
	)

	// Event sink metrics
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stevedore_events_dropped_total",
			Help: "Events discarded because a sink lagged",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_raft_is_leader",
			Help: "Whether this control plane node is the Raft leader",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PodsTotal)
	prometheus.MustRegister(WorkloadsTotal)
	prometheus.MustRegister(PacksTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(PodsBound)
	prometheus.MustRegister(PodsUnschedulable)
	prometheus.MustRegister(NodeTransitions)
	prometheus.MustRegister(PodsRevoked)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(WorkloadsStalled)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(FramesReceived)
	prometheus.MustRegister(FramesDropped)
	prometheus.MustRegister(RouteRequests)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
