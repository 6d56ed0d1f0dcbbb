package store

import (
	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/metrics"
	"github.com/packdock/stevedore/pkg/types"
)

// CreatePod records a new pod in pending status. Binding is the
// scheduler's job.
func (s *Store) CreatePod(pod *types.Pod) error {
	if pod.ID == "" {
		return errdefs.Validation("pod id is required")
	}
	if pod.PackName == "" || pod.PackVersion == "" {
		return errdefs.Validation("pod pack reference is required")
	}
	if pod.Namespace == "" {
		return errdefs.Validation("pod namespace is required")
	}
	if pod.Requests.Negative() {
		return errdefs.Validation("pod resource requests must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, exists := s.pods[pod.ID]; exists {
		return errdefs.Conflict("pod %q already exists", pod.ID)
	}

	p := clonePod(pod)
	p.Status = types.PodPending
	p.NodeID = ""
	p.Incarnation = 0
	p.Ready = false
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}

	if err := s.adapter.CreatePod(p); err != nil {
		return err
	}
	s.pods[p.ID] = p

	s.emit(&events.Event{
		Type:         events.EventPodCreated,
		ResourceType: "pod",
		ResourceID:   p.ID,
		ActorID:      p.CreatedBy,
		NewState:     string(types.PodPending),
		Message:      "pod created for " + p.PackName + "@" + p.PackVersion,
	})
	return nil
}

// BindPod atomically places a pending pod onto a node: the node is
// re-verified against capacity, its allocation is debited, and the pod
// moves to scheduled with a fresh incarnation. A failed verification
// leaves both records untouched so the scheduler can try the next
// candidate.
func (s *Store) BindPod(podID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	p, ok := s.pods[podID]
	if !ok {
		return errdefs.NotFound("pod", podID)
	}
	if p.Status != types.PodPending {
		return errdefs.InvalidTransition("pod", p.Status, types.PodScheduled)
	}
	n, ok := s.nodes[nodeID]
	if !ok {
		return errdefs.NotFound("node", nodeID)
	}
	if !n.Schedulable() {
		return errdefs.Conflict("node %q no longer schedulable", nodeID)
	}
	request := p.EffectiveRequest()
	if !n.Remaining().Fits(request) {
		return errdefs.Conflict("node %q no longer has capacity for pod %q", nodeID, podID)
	}

	nextNode := cloneNode(n)
	nextNode.Allocated = nextNode.Allocated.Add(request)
	if !nextNode.Allocatable.Fits(nextNode.Allocated) {
		return s.poison("node allocation exceeds allocatable after bind")
	}

	nextPod := clonePod(p)
	nextPod.NodeID = nodeID
	nextPod.Incarnation++
	nextPod.Status = types.PodScheduled
	nextPod.ScheduledAt = s.now()
	nextPod.Reason = ""

	if err := s.adapter.UpdatePod(nextPod); err != nil {
		return err
	}
	if err := s.adapter.UpdateNode(nextNode); err != nil {
		// Undo the pod write so adapter and cache stay aligned.
		if rbErr := s.adapter.UpdatePod(p); rbErr != nil {
			return s.poison("bind rollback failed: " + rbErr.Error())
		}
		return err
	}
	s.pods[podID] = nextPod
	s.nodes[nodeID] = nextNode

	metrics.PodsBound.Inc()
	s.emit(&events.Event{
		Type:          events.EventPodBound,
		ResourceType:  "pod",
		ResourceID:    podID,
		PreviousState: string(types.PodPending),
		NewState:      string(types.PodScheduled),
		Message:       "bound to node " + nodeID,
	})
	return nil
}

// AdvancePodStatus applies a status transition reported for a specific
// incarnation. Reports for a stale incarnation are rejected so commands
// replayed by an old owner cannot corrupt the current placement.
// Re-reporting the current status is a no-op.
func (s *Store) AdvancePodStatus(podID string, incarnation int64, to types.PodStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	p, ok := s.pods[podID]
	if !ok {
		return errdefs.NotFound("pod", podID)
	}
	if incarnation != p.Incarnation {
		return errdefs.ErrStaleIncarnation
	}
	if p.Status == to {
		return nil
	}
	if !types.ValidTransition(p.Status, to) {
		return errdefs.InvalidTransition("pod", p.Status, to)
	}

	prev := p.Status
	next := clonePod(p)
	next.Status = to
	if reason != "" {
		next.Reason = reason
	}
	switch {
	case to == types.PodRunning:
		next.StartedAt = s.now()
		next.Ready = true
	case to.Terminal():
		next.StoppedAt = s.now()
		next.Ready = false
	}

	var nextNode *types.Node
	if to.Terminal() && next.NodeID != "" {
		if n, ok := s.nodes[next.NodeID]; ok && n.Status != types.NodeOffline {
			nextNode = cloneNode(n)
			nextNode.Allocated = nextNode.Allocated.Sub(p.EffectiveRequest())
			if nextNode.Allocated.Negative() {
				return s.poison("node allocation went negative releasing pod " + podID)
			}
		}
		next.NodeID = ""
	}

	if err := s.adapter.UpdatePod(next); err != nil {
		return err
	}
	if nextNode != nil {
		if err := s.adapter.UpdateNode(nextNode); err != nil {
			if rbErr := s.adapter.UpdatePod(p); rbErr != nil {
				return s.poison("status rollback failed: " + rbErr.Error())
			}
			return err
		}
		s.nodes[nextNode.ID] = nextNode
	}
	s.pods[podID] = next

	s.emit(&events.Event{
		Type:          events.EventPodStatusChanged,
		ResourceType:  "pod",
		ResourceID:    podID,
		PreviousState: string(prev),
		NewState:      string(to),
		Message:       "status " + string(prev) + " -> " + string(to),
	})
	return nil
}

// SetPodRestartCount records the restart counter reported by the agent.
func (s *Store) SetPodRestartCount(podID string, incarnation int64, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	p, ok := s.pods[podID]
	if !ok {
		return errdefs.NotFound("pod", podID)
	}
	if incarnation != p.Incarnation {
		return errdefs.ErrStaleIncarnation
	}
	if p.RestartCount == count {
		return nil
	}
	next := clonePod(p)
	next.RestartCount = count
	if err := s.adapter.UpdatePod(next); err != nil {
		return err
	}
	s.pods[podID] = next
	return nil
}

// RequestPodStop moves a running pod to stopping. Idempotent: a pod
// already stopping or terminal is left alone, so a replayed terminate
// is a no-op.
func (s *Store) RequestPodStop(podID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	p, ok := s.pods[podID]
	if !ok {
		return errdefs.NotFound("pod", podID)
	}
	if p.Status == types.PodStopping || p.Status.Terminal() {
		return nil
	}
	if !types.ValidTransition(p.Status, types.PodStopping) {
		return errdefs.InvalidTransition("pod", p.Status, types.PodStopping)
	}

	prev := p.Status
	next := clonePod(p)
	next.Status = types.PodStopping
	next.Reason = reason

	if err := s.adapter.UpdatePod(next); err != nil {
		return err
	}
	s.pods[podID] = next

	s.emit(&events.Event{
		Type:          events.EventPodStatusChanged,
		ResourceType:  "pod",
		ResourceID:    podID,
		PreviousState: string(prev),
		NewState:      string(types.PodStopping),
		Message:       "stop requested: " + reason,
	})
	return nil
}

// RevokePod force-fails a pod regardless of its current status, bumping
// the incarnation so stale agent commands for the old placement are
// discarded. This is the lease engine's revocation path and the one
// sanctioned FSM bypass.
func (s *Store) RevokePod(podID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	return s.revokePodLocked(podID, reason)
}

func (s *Store) revokePodLocked(podID, reason string) error {
	p, ok := s.pods[podID]
	if !ok {
		return errdefs.NotFound("pod", podID)
	}
	if p.Status.Terminal() {
		return nil
	}

	prev := p.Status
	next := clonePod(p)
	next.Status = types.PodFailed
	next.Reason = reason
	next.Incarnation++
	next.Ready = false
	next.StoppedAt = s.now()

	var nextNode *types.Node
	if next.NodeID != "" {
		if n, ok := s.nodes[next.NodeID]; ok && n.Status != types.NodeOffline {
			nextNode = cloneNode(n)
			nextNode.Allocated = nextNode.Allocated.Sub(p.EffectiveRequest())
			if nextNode.Allocated.Negative() {
				return s.poison("node allocation went negative revoking pod " + podID)
			}
		}
		next.NodeID = ""
	}

	if err := s.adapter.UpdatePod(next); err != nil {
		return err
	}
	if nextNode != nil {
		if err := s.adapter.UpdateNode(nextNode); err != nil {
			if rbErr := s.adapter.UpdatePod(p); rbErr != nil {
				return s.poison("revoke rollback failed: " + rbErr.Error())
			}
			return err
		}
		s.nodes[nextNode.ID] = nextNode
	}
	s.pods[podID] = next

	metrics.PodsRevoked.Inc()
	s.emit(&events.Event{
		Type:          events.EventPodRevoked,
		Severity:      events.SeverityWarning,
		ResourceType:  "pod",
		ResourceID:    podID,
		PreviousState: string(prev),
		NewState:      string(types.PodFailed),
		Message:       "revoked: " + reason,
	})
	return nil
}

// EvictPod moves a running pod to evicted, used when its node is being
// drained out of the candidate set.
func (s *Store) EvictPod(podID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	return s.evictPodLocked(podID, reason)
}

func (s *Store) evictPodLocked(podID, reason string) error {
	p, ok := s.pods[podID]
	if !ok {
		return errdefs.NotFound("pod", podID)
	}
	if p.Status.Terminal() {
		return nil
	}
	if !types.ValidTransition(p.Status, types.PodEvicted) {
		return errdefs.InvalidTransition("pod", p.Status, types.PodEvicted)
	}

	prev := p.Status
	next := clonePod(p)
	next.Status = types.PodEvicted
	next.Reason = reason
	next.Incarnation++
	next.Ready = false
	next.StoppedAt = s.now()

	var nextNode *types.Node
	if next.NodeID != "" {
		if n, ok := s.nodes[next.NodeID]; ok && n.Status != types.NodeOffline {
			nextNode = cloneNode(n)
			nextNode.Allocated = nextNode.Allocated.Sub(p.EffectiveRequest())
			if nextNode.Allocated.Negative() {
				return s.poison("node allocation went negative evicting pod " + podID)
			}
		}
		next.NodeID = ""
	}

	if err := s.adapter.UpdatePod(next); err != nil {
		return err
	}
	if nextNode != nil {
		if err := s.adapter.UpdateNode(nextNode); err != nil {
			if rbErr := s.adapter.UpdatePod(p); rbErr != nil {
				return s.poison("evict rollback failed: " + rbErr.Error())
			}
			return err
		}
		s.nodes[nextNode.ID] = nextNode
	}
	s.pods[podID] = next

	s.emit(&events.Event{
		Type:          events.EventPodStatusChanged,
		Severity:      events.SeverityWarning,
		ResourceType:  "pod",
		ResourceID:    podID,
		PreviousState: string(prev),
		NewState:      string(types.PodEvicted),
		Message:       "evicted: " + reason,
	})
	return nil
}

// DeletePod removes a pod record. Only unbound pods can be deleted:
// pending ones (scale-down before placement) and terminal ones
// (garbage collection).
func (s *Store) DeletePod(podID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	p, ok := s.pods[podID]
	if !ok {
		return errdefs.NotFound("pod", podID)
	}
	if p.Status != types.PodPending && !p.Status.Terminal() {
		return errdefs.Conflict("pod %q is %s; terminate it before deleting", podID, p.Status)
	}

	if err := s.adapter.DeletePod(podID); err != nil {
		return err
	}
	delete(s.pods, podID)
	return nil
}
