package store

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/metrics"
	"github.com/packdock/stevedore/pkg/types"
)

// CreateNode registers a new node. The record arrives from the session
// layer with identity, capacity and labels already populated.
func (s *Store) CreateNode(node *types.Node) error {
	if node.ID == "" {
		return errdefs.Validation("node id is required")
	}
	if node.Runtime != types.RuntimeServer && node.Runtime != types.RuntimeBrowser {
		return errdefs.Validation("node runtime must be server or browser, got %q", node.Runtime)
	}
	if node.Allocatable.Negative() {
		return errdefs.Validation("allocatable resources must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, exists := s.nodes[node.ID]; exists {
		return errdefs.Conflict("node %q already registered", node.ID)
	}

	n := cloneNode(node)
	n.Status = types.NodeOnline
	n.Allocated = types.Resources{}
	if n.Labels == nil {
		n.Labels = make(map[string]string)
	}
	n.Labels[types.LabelNodeID] = n.ID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.LastHeartbeat = s.now()

	if err := s.adapter.CreateNode(n); err != nil {
		return err
	}
	s.nodes[n.ID] = n

	s.emit(&events.Event{
		Type:         events.EventNodeRegistered,
		ResourceType: "node",
		ResourceID:   n.ID,
		ActorID:      n.OwnerID,
		NewState:     string(types.NodeOnline),
		Message:      "node registered: " + n.Name,
	})
	return nil
}

// DeregisterNode removes a node permanently. Any pods still bound to it
// are revoked first so the workload controller can replace them.
func (s *Store) DeregisterNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	n, ok := s.nodes[id]
	if !ok {
		return errdefs.NotFound("node", id)
	}

	var errs *multierror.Error
	for _, p := range s.pods {
		if p.NodeID == id && !p.Status.Terminal() {
			if err := s.revokePodLocked(p.ID, types.ReasonNodeLost); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	if err := s.adapter.DeleteNode(id); err != nil {
		return err
	}
	delete(s.nodes, id)

	s.emit(&events.Event{
		Type:          events.EventNodeDeregistered,
		ResourceType:  "node",
		ResourceID:    id,
		PreviousState: string(n.Status),
		Message:       "node deregistered",
	})
	return nil
}

// UpdateHeartbeat records a heartbeat from a node. A suspect node whose
// lease has not yet expired returns to online with its pods intact. A
// heartbeat from an offline node is rejected; it must re-register.
// Replaying a heartbeat with an already-seen timestamp touches nothing
// beyond LastHeartbeat. Binding accounting stays authoritative on the
// server; agent-observed usage from the heartbeat payload is advisory
// and handled by the session layer.
func (s *Store) UpdateHeartbeat(id string, at time.Time) (*types.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, errdefs.NotFound("node", id)
	}
	if n.Status == types.NodeOffline {
		return nil, errdefs.Conflict("node %q is offline; re-registration required", id)
	}

	replay := !at.After(n.LastHeartbeat)

	next := cloneNode(n)
	if at.After(next.LastHeartbeat) {
		next.LastHeartbeat = at
	}
	if !replay && next.Status == types.NodeSuspect {
		next.Status = types.NodeOnline
		next.SuspectSince = time.Time{}
	}

	if err := s.adapter.UpdateNode(next); err != nil {
		return nil, err
	}
	recovered := n.Status == types.NodeSuspect && next.Status == types.NodeOnline
	s.nodes[id] = next

	if recovered {
		metrics.NodeTransitions.WithLabelValues(string(types.NodeOnline)).Inc()
		s.emit(&events.Event{
			Type:          events.EventNodeRecovered,
			ResourceType:  "node",
			ResourceID:    id,
			PreviousState: string(types.NodeSuspect),
			NewState:      string(types.NodeOnline),
			Message:       "node recovered before lease expiry",
		})
	}
	return cloneNode(next), nil
}

// MarkNodeSuspect transitions an online node whose heartbeat went stale
// to suspect. Pods on the node are left untouched.
func (s *Store) MarkNodeSuspect(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	n, ok := s.nodes[id]
	if !ok {
		return errdefs.NotFound("node", id)
	}
	if n.Status != types.NodeOnline {
		return errdefs.InvalidTransition("node", n.Status, types.NodeSuspect)
	}

	next := cloneNode(n)
	next.Status = types.NodeSuspect
	next.SuspectSince = at

	if err := s.adapter.UpdateNode(next); err != nil {
		return err
	}
	s.nodes[id] = next

	metrics.NodeTransitions.WithLabelValues(string(types.NodeSuspect)).Inc()
	s.emit(&events.Event{
		Type:          events.EventNodeSuspect,
		Severity:      events.SeverityWarning,
		ResourceType:  "node",
		ResourceID:    id,
		PreviousState: string(types.NodeOnline),
		NewState:      string(types.NodeSuspect),
		Message:       "heartbeat overdue",
	})
	return nil
}

// ExpireNodeLease transitions a suspect node to offline and revokes all
// of its active pods with reason node_lost. Returns the ids of the
// revoked pods so the scheduler queue can be poked.
func (s *Store) ExpireNodeLease(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, errdefs.NotFound("node", id)
	}
	if n.Status != types.NodeSuspect {
		return nil, errdefs.InvalidTransition("node", n.Status, types.NodeOffline)
	}

	next := cloneNode(n)
	next.Status = types.NodeOffline
	next.SessionID = ""
	next.Allocated = types.Resources{}

	if err := s.adapter.UpdateNode(next); err != nil {
		return nil, err
	}
	s.nodes[id] = next

	var revoked []string
	var errs *multierror.Error
	for _, p := range s.pods {
		if p.NodeID == id && !p.Status.Terminal() {
			if err := s.revokePodLocked(p.ID, types.ReasonNodeLost); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			revoked = append(revoked, p.ID)
		}
	}

	metrics.NodeTransitions.WithLabelValues(string(types.NodeOffline)).Inc()
	s.emit(&events.Event{
		Type:          events.EventNodeLost,
		Severity:      events.SeverityError,
		ResourceType:  "node",
		ResourceID:    id,
		PreviousState: string(types.NodeSuspect),
		NewState:      string(types.NodeOffline),
		Message:       "lease expired, pods revoked",
	})
	return revoked, errs.ErrorOrNil()
}

// DrainNode takes a node out of the candidate set and reclaims its pods
// so the controller replaces them elsewhere. Returns the ids of the
// reclaimed pods. A drained node keeps heartbeating; deregistration is
// a separate operator step.
func (s *Store) DrainNode(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, errdefs.NotFound("node", id)
	}
	if n.Status == types.NodeOffline {
		return nil, errdefs.InvalidTransition("node", n.Status, types.NodeDraining)
	}
	if n.Status == types.NodeDraining {
		return nil, nil
	}

	prev := n.Status
	next := cloneNode(n)
	next.Status = types.NodeDraining
	next.Unschedulable = true
	if err := s.adapter.UpdateNode(next); err != nil {
		return nil, err
	}
	s.nodes[id] = next

	var evicted []string
	var errs *multierror.Error
	for _, p := range s.pods {
		if p.NodeID != id || p.Status.Terminal() {
			continue
		}
		// Running pods take the eviction edge of the FSM. Pods still
		// mid-flight (scheduled, starting, stopping) have no edge to
		// evicted, so they go through the revocation bypass instead:
		// either way the incarnation bumps and the placement is
		// reclaimed.
		var err error
		if types.ValidTransition(p.Status, types.PodEvicted) {
			err = s.evictPodLocked(p.ID, types.ReasonDrained)
		} else {
			err = s.revokePodLocked(p.ID, types.ReasonDrained)
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		evicted = append(evicted, p.ID)
	}

	metrics.NodeTransitions.WithLabelValues(string(types.NodeDraining)).Inc()
	s.emit(&events.Event{
		Type:          events.EventNodeDraining,
		Severity:      events.SeverityWarning,
		ResourceType:  "node",
		ResourceID:    id,
		PreviousState: string(prev),
		NewState:      string(types.NodeDraining),
		Message:       "node draining, pods evicted",
	})
	return evicted, errs.ErrorOrNil()
}

// SetNodeUnschedulable cordons or uncordons a node.
func (s *Store) SetNodeUnschedulable(id string, unschedulable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	n, ok := s.nodes[id]
	if !ok {
		return errdefs.NotFound("node", id)
	}
	if n.Unschedulable == unschedulable {
		return nil
	}

	next := cloneNode(n)
	next.Unschedulable = unschedulable
	if err := s.adapter.UpdateNode(next); err != nil {
		return err
	}
	s.nodes[id] = next
	return nil
}

// BindNodeSession associates a live session with a node at registration
// or re-connect time.
func (s *Store) BindNodeSession(nodeID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	n, ok := s.nodes[nodeID]
	if !ok {
		return errdefs.NotFound("node", nodeID)
	}
	next := cloneNode(n)
	next.SessionID = sessionID
	if err := s.adapter.UpdateNode(next); err != nil {
		return err
	}
	s.nodes[nodeID] = next
	return nil
}

// ClearNodeSession detaches a session from its node, if still attached.
// The node's health is left to the lease engine.
func (s *Store) ClearNodeSession(nodeID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	n, ok := s.nodes[nodeID]
	if !ok {
		return errdefs.NotFound("node", nodeID)
	}
	if n.SessionID != sessionID {
		// A newer session already took over.
		return nil
	}
	next := cloneNode(n)
	next.SessionID = ""
	if err := s.adapter.UpdateNode(next); err != nil {
		return err
	}
	s.nodes[nodeID] = next
	return nil
}
