package store

import (
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/types"
)

// CreatePack registers a new pack version. The (name, version) pair is
// unique cluster-wide and immutable afterwards.
func (s *Store) CreatePack(pack *types.Pack) error {
	if pack.ID == "" {
		return errdefs.Validation("pack id is required")
	}
	if pack.Name == "" {
		return errdefs.Validation("pack name is required")
	}
	if _, err := semver.NewVersion(pack.Version); err != nil {
		return errdefs.Validation("pack version %q is not valid semver", pack.Version)
	}
	switch pack.Runtime {
	case types.RuntimeServer, types.RuntimeBrowser, types.RuntimeUniversal:
	default:
		return errdefs.Validation("pack runtime must be server, browser or universal, got %q", pack.Runtime)
	}
	if mrv := pack.MinRuntimeVersion(); mrv != "" {
		if _, err := semver.NewConstraint(mrv); err != nil {
			return errdefs.Validation("pack %s constraint %q is invalid", types.MetaMinRuntimeVersion, mrv)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, exists := s.packs[pack.ID]; exists {
		return errdefs.Conflict("pack %q already exists", pack.ID)
	}
	key := packKey(pack.Name, pack.Version)
	if _, exists := s.packIndex[key]; exists {
		return errdefs.Conflict("pack %s already registered", key)
	}

	p := clonePack(pack)
	if p.Visibility == "" {
		p.Visibility = types.PackPrivate
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	p.UpdatedAt = p.CreatedAt

	if err := s.adapter.CreatePack(p); err != nil {
		return err
	}
	s.packs[p.ID] = p
	s.packIndex[key] = p.ID

	s.emit(&events.Event{
		Type:         events.EventPackRegistered,
		ResourceType: "pack",
		ResourceID:   p.ID,
		ActorID:      p.OwnerID,
		Message:      "pack registered: " + key,
	})
	return nil
}

// UpdatePackMeta changes the mutable pack fields. Name, version, runtime
// and bundle reference stay frozen.
func (s *Store) UpdatePackMeta(id, description string, visibility types.PackVisibility, metadata map[string]string) error {
	if mrv := metadata[types.MetaMinRuntimeVersion]; mrv != "" {
		if _, err := semver.NewConstraint(mrv); err != nil {
			return errdefs.Validation("pack %s constraint %q is invalid", types.MetaMinRuntimeVersion, mrv)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	p, ok := s.packs[id]
	if !ok {
		return errdefs.NotFound("pack", id)
	}

	next := clonePack(p)
	next.Description = description
	if visibility != "" {
		next.Visibility = visibility
	}
	if metadata != nil {
		next.Metadata = cloneMap(metadata)
	}
	next.UpdatedAt = s.now()

	if err := s.adapter.UpdatePack(next); err != nil {
		return err
	}
	s.packs[id] = next
	return nil
}

// CreateWorkload declares a desired replica set for a pack. The target
// pack version must already be registered unless the workload follows
// latest, and the namespace must be active.
func (s *Store) CreateWorkload(w *types.Workload) error {
	if w.ID == "" {
		return errdefs.Validation("workload id is required")
	}
	if w.Name == "" || w.Namespace == "" {
		return errdefs.Validation("workload name and namespace are required")
	}
	if w.PackName == "" {
		return errdefs.Validation("workload pack name is required")
	}
	if w.Replicas < 0 {
		return errdefs.Validation("workload replicas must be >= 0")
	}
	if w.Template.Requests.Negative() {
		return errdefs.Validation("workload template requests must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, exists := s.workloads[w.ID]; exists {
		return errdefs.Conflict("workload %q already exists", w.ID)
	}
	for _, existing := range s.workloads {
		if existing.Namespace == w.Namespace && existing.Name == w.Name {
			return errdefs.Conflict("workload %q already exists in namespace %q", w.Name, w.Namespace)
		}
	}
	ns, ok := s.namespaces[w.Namespace]
	if !ok {
		return errdefs.NotFound("namespace", w.Namespace)
	}
	if ns.Phase != types.NamespaceActive {
		return errdefs.Conflict("namespace %q is terminating", w.Namespace)
	}
	if !w.FollowLatest {
		if _, ok := s.packIndex[packKey(w.PackName, w.PackVersion)]; !ok {
			return errdefs.NotFound("pack", packKey(w.PackName, w.PackVersion))
		}
	}
	if w.PriorityClass != "" {
		if _, ok := s.priorityClasses[w.PriorityClass]; !ok {
			return errdefs.NotFound("priority class", w.PriorityClass)
		}
	}

	next := cloneWorkload(w)
	next.Status = types.WorkloadActive
	next.ReadyReplicas = 0
	next.AvailableReplicas = 0
	next.UpdatedReplicas = 0
	if next.CreatedAt.IsZero() {
		next.CreatedAt = s.now()
	}
	next.UpdatedAt = next.CreatedAt

	if err := s.adapter.CreateWorkload(next); err != nil {
		return err
	}
	s.workloads[next.ID] = next

	s.emit(&events.Event{
		Type:         events.EventWorkloadCreated,
		ResourceType: "workload",
		ResourceID:   next.ID,
		ActorID:      next.OwnerID,
		NewState:     string(types.WorkloadActive),
		Message:      "workload created: " + next.Namespace + "/" + next.Name,
	})
	return nil
}

// UpdateWorkloadSpec changes the declared replica count, target version
// or template. The controller converges pods on its next pass.
func (s *Store) UpdateWorkloadSpec(id string, replicas int, packVersion string, followLatest bool, template *types.PodTemplate) error {
	if replicas < 0 {
		return errdefs.Validation("workload replicas must be >= 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	w, ok := s.workloads[id]
	if !ok {
		return errdefs.NotFound("workload", id)
	}
	if w.Status == types.WorkloadDeleting {
		return errdefs.Conflict("workload %q is being deleted", id)
	}
	if !followLatest && packVersion != "" {
		if _, ok := s.packIndex[packKey(w.PackName, packVersion)]; !ok {
			return errdefs.NotFound("pack", packKey(w.PackName, packVersion))
		}
	}

	next := cloneWorkload(w)
	next.Replicas = replicas
	next.FollowLatest = followLatest
	if packVersion != "" {
		next.PackVersion = packVersion
	}
	if template != nil {
		next.Template = *template
	}
	next.UpdatedAt = s.now()

	if err := s.adapter.UpdateWorkload(next); err != nil {
		return err
	}
	s.workloads[id] = next

	event := &events.Event{
		Type:         events.EventWorkloadUpdated,
		ResourceType: "workload",
		ResourceID:   id,
		Message:      "workload spec updated",
	}
	if next.PackVersion != w.PackVersion {
		event.Type = events.EventWorkloadRollout
		event.PreviousState = w.PackVersion
		event.NewState = next.PackVersion
		event.Message = "rollout to " + next.PackVersion
	}
	s.emit(event)
	return nil
}

// SetWorkloadStatus pauses or resumes a workload.
func (s *Store) SetWorkloadStatus(id string, status types.WorkloadStatus) error {
	if status != types.WorkloadActive && status != types.WorkloadPaused {
		return errdefs.Validation("workload status must be active or paused, got %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	w, ok := s.workloads[id]
	if !ok {
		return errdefs.NotFound("workload", id)
	}
	if w.Status == types.WorkloadDeleting {
		return errdefs.Conflict("workload %q is being deleted", id)
	}
	if w.Status == status {
		return nil
	}

	prev := w.Status
	next := cloneWorkload(w)
	next.Status = status
	next.UpdatedAt = s.now()

	if err := s.adapter.UpdateWorkload(next); err != nil {
		return err
	}
	s.workloads[id] = next

	s.emit(&events.Event{
		Type:          events.EventWorkloadUpdated,
		ResourceType:  "workload",
		ResourceID:    id,
		PreviousState: string(prev),
		NewState:      string(status),
	})
	return nil
}

// RecordWorkloadObserved stores the replica counts the controller
// observed on its last pass.
func (s *Store) RecordWorkloadObserved(id string, ready, available, updated int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	w, ok := s.workloads[id]
	if !ok {
		return errdefs.NotFound("workload", id)
	}
	if w.ReadyReplicas == ready && w.AvailableReplicas == available && w.UpdatedReplicas == updated {
		return nil
	}

	next := cloneWorkload(w)
	next.ReadyReplicas = ready
	next.AvailableReplicas = available
	next.UpdatedReplicas = updated

	if err := s.adapter.UpdateWorkload(next); err != nil {
		return err
	}
	s.workloads[id] = next
	return nil
}

// RecordWorkloadRollout updates the crash-loop bookkeeping: the last
// version that reached ready, the version currently failing, and the
// backoff gate.
func (s *Store) RecordWorkloadRollout(id string, w types.Workload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	cur, ok := s.workloads[id]
	if !ok {
		return errdefs.NotFound("workload", id)
	}

	stalledNow := cur.FailureBackoffUntil.IsZero() && !w.FailureBackoffUntil.IsZero()

	next := cloneWorkload(cur)
	next.LastSuccessfulVersion = w.LastSuccessfulVersion
	next.FailedVersion = w.FailedVersion
	next.ConsecutiveFailures = w.ConsecutiveFailures
	next.FailureBackoffUntil = w.FailureBackoffUntil

	if err := s.adapter.UpdateWorkload(next); err != nil {
		return err
	}
	s.workloads[id] = next

	if stalledNow {
		s.emit(&events.Event{
			Type:         events.EventWorkloadStalled,
			Severity:     events.SeverityWarning,
			ResourceType: "workload",
			ResourceID:   id,
			Message:      "rollout stalled on version " + next.FailedVersion,
		})
	}
	return nil
}

// MarkWorkloadDeleting flags a workload for teardown. The controller
// stops its pods and then removes the record.
func (s *Store) MarkWorkloadDeleting(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	w, ok := s.workloads[id]
	if !ok {
		return errdefs.NotFound("workload", id)
	}
	if w.Status == types.WorkloadDeleting {
		return nil
	}

	prev := w.Status
	next := cloneWorkload(w)
	next.Status = types.WorkloadDeleting
	next.UpdatedAt = s.now()

	if err := s.adapter.UpdateWorkload(next); err != nil {
		return err
	}
	s.workloads[id] = next

	s.emit(&events.Event{
		Type:          events.EventWorkloadDeleted,
		ResourceType:  "workload",
		ResourceID:    id,
		PreviousState: string(prev),
		NewState:      string(types.WorkloadDeleting),
	})
	return nil
}

// DeleteWorkload removes the record once no pods reference it.
func (s *Store) DeleteWorkload(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, ok := s.workloads[id]; !ok {
		return errdefs.NotFound("workload", id)
	}
	for _, p := range s.pods {
		if p.WorkloadID == id {
			return errdefs.Conflict("workload %q still owns pod %q", id, p.ID)
		}
	}

	if err := s.adapter.DeleteWorkload(id); err != nil {
		return err
	}
	delete(s.workloads, id)
	return nil
}

// CreateNamespace adds an active namespace.
func (s *Store) CreateNamespace(name string) error {
	if name == "" {
		return errdefs.Validation("namespace name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, exists := s.namespaces[name]; exists {
		return errdefs.Conflict("namespace %q already exists", name)
	}

	ns := &types.Namespace{Name: name, Phase: types.NamespaceActive, CreatedAt: s.now()}
	if err := s.adapter.CreateNamespace(ns); err != nil {
		return err
	}
	s.namespaces[name] = ns
	return nil
}

// SetNamespacePhase moves a namespace between active and terminating.
// Terminating namespaces reject new workloads and new scheduling.
func (s *Store) SetNamespacePhase(name string, phase types.NamespacePhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	ns, ok := s.namespaces[name]
	if !ok {
		return errdefs.NotFound("namespace", name)
	}
	if ns.Phase == phase {
		return nil
	}

	next := *ns
	next.Phase = phase
	if err := s.adapter.UpdateNamespace(&next); err != nil {
		return err
	}
	s.namespaces[name] = &next
	return nil
}

// DeleteNamespace removes an empty namespace.
func (s *Store) DeleteNamespace(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, ok := s.namespaces[name]; !ok {
		return errdefs.NotFound("namespace", name)
	}
	for _, w := range s.workloads {
		if w.Namespace == name {
			return errdefs.Conflict("namespace %q still contains workload %q", name, w.Name)
		}
	}
	for _, p := range s.pods {
		if p.Namespace == name {
			return errdefs.Conflict("namespace %q still contains pod %q", name, p.ID)
		}
	}

	if err := s.adapter.DeleteNamespace(name); err != nil {
		return err
	}
	delete(s.namespaces, name)
	return nil
}

// ListNamespaces returns copies of all namespaces sorted by name.
func (s *Store) ListNamespaces() []*types.Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		c := *ns
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreatePriorityClass registers a named scheduling priority.
func (s *Store) CreatePriorityClass(pc *types.PriorityClass) error {
	if pc.Name == "" {
		return errdefs.Validation("priority class name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, exists := s.priorityClasses[pc.Name]; exists {
		return errdefs.Conflict("priority class %q already exists", pc.Name)
	}

	c := *pc
	if err := s.adapter.CreatePriorityClass(&c); err != nil {
		return err
	}
	s.priorityClasses[c.Name] = &c
	return nil
}

// ListPriorityClasses returns copies of all classes sorted by name.
func (s *Store) ListPriorityClasses() []*types.PriorityClass {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.PriorityClass, 0, len(s.priorityClasses))
	for _, pc := range s.priorityClasses {
		c := *pc
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
