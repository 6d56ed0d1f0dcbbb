package routing

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/metrics"
	"github.com/packdock/stevedore/pkg/session"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

// NoHealthyTarget is returned when a service has no running, ready pod.
const NoHealthyTarget = "NoHealthyTarget"

// Policy decides whether one service may open a channel to another.
// Deny reasons are surfaced verbatim to the caller.
type Policy interface {
	Allow(callerServiceID, targetServiceID string) (bool, string)
}

// AllowAll permits every call. The default when no policy is wired.
type AllowAll struct{}

func (AllowAll) Allow(_, _ string) (bool, string) { return true, "" }

// Arbiter answers route requests: policy gate, healthy target
// collection, then least-recently-selected pick. It never proxies
// traffic; callers open their own data channel to the returned pod.
type Arbiter struct {
	state  store.API
	policy Policy
	logger zerolog.Logger

	mu sync.Mutex
	// Per target service: a selection sequence per pod and the next
	// sequence number. The lowest sequence is the least recently used.
	selections map[string]map[string]uint64
	nextSeq    map[string]uint64
}

// NewArbiter builds an arbiter. A nil policy allows everything.
func NewArbiter(state store.API, policy Policy) *Arbiter {
	if policy == nil {
		policy = AllowAll{}
	}
	return &Arbiter{
		state:      state,
		policy:     policy,
		logger:     log.WithComponent("routing"),
		selections: make(map[string]map[string]uint64),
		nextSeq:    make(map[string]uint64),
	}
}

// Route resolves one route request. The target service id is the
// workload id of the callee.
func (a *Arbiter) Route(req session.RouteRequest) session.RouteResponse {
	if allowed, reason := a.policy.Allow(req.CallerServiceID, req.TargetServiceID); !allowed {
		metrics.RouteRequests.WithLabelValues("denied").Inc()
		a.logger.Warn().Str("caller", req.CallerServiceID).
			Str("target", req.TargetServiceID).Str("reason", reason).
			Msg("route denied by policy")
		if broker := a.state.Broker(); broker != nil {
			broker.Publish(&events.Event{
				Category:     "routing",
				Severity:     events.SeverityWarning,
				Type:         events.EventRouteDenied,
				ResourceType: "workload",
				ResourceID:   req.TargetServiceID,
				ActorID:      req.CallerServiceID,
				Message:      reason,
			})
		}
		return session.RouteResponse{Allowed: false, Reason: reason}
	}

	healthy := a.healthyPods(req.TargetServiceID)
	if len(healthy) == 0 {
		metrics.RouteRequests.WithLabelValues("no-target").Inc()
		return session.RouteResponse{Allowed: false, Reason: NoHealthyTarget}
	}

	target := a.pick(req.TargetServiceID, healthy)
	metrics.RouteRequests.WithLabelValues("allowed").Inc()
	return session.RouteResponse{
		Allowed:      true,
		TargetPodID:  target.ID,
		TargetNodeID: target.NodeID,
	}
}

// healthyPods returns the running, ready pods of a service.
func (a *Arbiter) healthyPods(serviceID string) []*types.Pod {
	var out []*types.Pod
	for _, p := range a.state.ListPodsByWorkload(serviceID) {
		if p.Status == types.PodRunning && p.Ready {
			out = append(out, p)
		}
	}
	return out
}

// pick selects the least recently chosen pod, tie-break lower pod id
// (ListPodsByWorkload returns id order, and the scan keeps the first).
func (a *Arbiter) pick(serviceID string, healthy []*types.Pod) *types.Pod {
	a.mu.Lock()
	defer a.mu.Unlock()

	seqs := a.selections[serviceID]
	if seqs == nil {
		seqs = make(map[string]uint64)
		a.selections[serviceID] = seqs
	}

	best := healthy[0]
	for _, p := range healthy[1:] {
		if seqs[p.ID] < seqs[best.ID] {
			best = p
		}
	}

	a.nextSeq[serviceID]++
	seqs[best.ID] = a.nextSeq[serviceID]

	// Drop counters for pods that no longer exist so the map cannot
	// grow with churn.
	alive := make(map[string]bool, len(healthy))
	for _, p := range healthy {
		alive[p.ID] = true
	}
	for id := range seqs {
		if !alive[id] {
			delete(seqs, id)
		}
	}
	return best
}
