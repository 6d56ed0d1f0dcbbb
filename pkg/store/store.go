package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/storage"
	"github.com/packdock/stevedore/pkg/types"
)

// ErrInvariantViolated marks accounting corruption (negative remaining
// capacity, allocated above allocatable). The store refuses all further
// mutations once this fires; the process is expected to exit non-zero.
var ErrInvariantViolated = errors.New("store invariant violated")

// Store is the authoritative in-memory cache of cluster state, backed by
// a durable adapter. Every mutation is a typed operation: it validates
// against the cache, writes through the adapter, and only then installs
// the new record, so a rejected adapter write leaves memory untouched.
// Readers always observe either the pre-state or the post-state of an
// operation, never a partial record.
type Store struct {
	mu sync.RWMutex

	nodes           map[string]*types.Node
	packs           map[string]*types.Pack
	pods            map[string]*types.Pod
	workloads       map[string]*types.Workload
	namespaces      map[string]*types.Namespace
	priorityClasses map[string]*types.PriorityClass

	// packIndex maps name@version to pack id for conflict checks.
	packIndex map[string]string

	adapter storage.Adapter
	broker  *events.Broker
	corrupt bool

	now func() time.Time
}

// New builds a store over the adapter and primes the cache from it.
func New(adapter storage.Adapter, broker *events.Broker) (*Store, error) {
	s := &Store{
		nodes:           make(map[string]*types.Node),
		packs:           make(map[string]*types.Pack),
		pods:            make(map[string]*types.Pod),
		workloads:       make(map[string]*types.Workload),
		namespaces:      make(map[string]*types.Namespace),
		priorityClasses: make(map[string]*types.PriorityClass),
		packIndex:       make(map[string]string),
		adapter:         adapter,
		broker:          broker,
		now:             time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load invalidates the cache and refills it from the adapter.
func (s *Store) load() error {
	nodes, err := s.adapter.ListNodes()
	if err != nil {
		return err
	}
	packs, err := s.adapter.ListPacks()
	if err != nil {
		return err
	}
	pods, err := s.adapter.ListPods()
	if err != nil {
		return err
	}
	workloads, err := s.adapter.ListWorkloads()
	if err != nil {
		return err
	}
	namespaces, err := s.adapter.ListNamespaces()
	if err != nil {
		return err
	}
	classes, err := s.adapter.ListPriorityClasses()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		// Sessions do not survive a control plane restart.
		n.SessionID = ""
		s.nodes[n.ID] = n
	}
	for _, p := range packs {
		s.packs[p.ID] = p
		s.packIndex[packKey(p.Name, p.Version)] = p.ID
	}
	for _, p := range pods {
		s.pods[p.ID] = p
	}
	for _, w := range workloads {
		s.workloads[w.ID] = w
	}
	for _, ns := range namespaces {
		s.namespaces[ns.Name] = ns
	}
	for _, pc := range classes {
		s.priorityClasses[pc.Name] = pc
	}
	return nil
}

func packKey(name, version string) string {
	return name + "@" + version
}

// Broker exposes the transition event broker for subscribers.
func (s *Store) Broker() *events.Broker {
	return s.broker
}

// Corrupt reports whether an invariant violation poisoned the store.
func (s *Store) Corrupt() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.corrupt
}

// guard rejects mutations after corruption.
func (s *Store) guard() error {
	if s.corrupt {
		return ErrInvariantViolated
	}
	return nil
}

// poison records an invariant violation. The caller holds the lock.
func (s *Store) poison(msg string) error {
	s.corrupt = true
	logger := log.WithComponent("store")
	logger.Error().Str("invariant", msg).
		Msg("invariant violated; refusing further mutations")
	return ErrInvariantViolated
}

// emit publishes a transition event. Fire-and-forget; never blocks.
func (s *Store) emit(ev *events.Event) {
	if s.broker == nil {
		return
	}
	if ev.Category == "" {
		ev.Category = "cluster"
	}
	if ev.Severity == "" {
		ev.Severity = events.SeverityInfo
	}
	ev.Timestamp = s.now()
	s.broker.Publish(ev)
}

// --- Read-only snapshot views ---
// All reads return copies so callers can never mutate cached records.

// GetNode returns a copy of the node.
func (s *Store) GetNode(id string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, errdefs.NotFound("node", id)
	}
	return cloneNode(n), nil
}

// ListNodes returns copies of all nodes sorted by id.
func (s *Store) ListNodes() []*types.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, cloneNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPack returns a copy of the pack by id.
func (s *Store) GetPack(id string) (*types.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packs[id]
	if !ok {
		return nil, errdefs.NotFound("pack", id)
	}
	return clonePack(p), nil
}

// GetPackVersion returns the pack with the exact (name, version) pair.
func (s *Store) GetPackVersion(name, version string) (*types.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.packIndex[packKey(name, version)]
	if !ok {
		return nil, errdefs.NotFound("pack", packKey(name, version))
	}
	return clonePack(s.packs[id]), nil
}

// LatestPackVersion returns the highest semantic version registered
// under a pack name, regardless of registration order.
func (s *Store) LatestPackVersion(name string) (*types.Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *types.Pack
	var latestVer *semver.Version
	for _, p := range s.packs {
		if p.Name != name {
			continue
		}
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			// Versions are validated at registration; skip rather
			// than fail the lookup on a corrupt record.
			continue
		}
		if latestVer == nil || v.GreaterThan(latestVer) {
			latest = p
			latestVer = v
		}
	}
	if latest == nil {
		return nil, errdefs.NotFound("pack", name)
	}
	return clonePack(latest), nil
}

// ListPacks returns copies of all packs.
func (s *Store) ListPacks() []*types.Pack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Pack, 0, len(s.packs))
	for _, p := range s.packs {
		out = append(out, clonePack(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPod returns a copy of the pod.
func (s *Store) GetPod(id string) (*types.Pod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pods[id]
	if !ok {
		return nil, errdefs.NotFound("pod", id)
	}
	return clonePod(p), nil
}

// ListPods returns copies of all pods sorted by id.
func (s *Store) ListPods() []*types.Pod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Pod, 0, len(s.pods))
	for _, p := range s.pods {
		out = append(out, clonePod(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListPodsByWorkload returns copies of pods owned by a workload.
func (s *Store) ListPodsByWorkload(workloadID string) []*types.Pod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Pod
	for _, p := range s.pods {
		if p.WorkloadID == workloadID {
			out = append(out, clonePod(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListPodsByNode returns copies of pods bound to a node.
func (s *Store) ListPodsByNode(nodeID string) []*types.Pod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Pod
	for _, p := range s.pods {
		if p.NodeID == nodeID {
			out = append(out, clonePod(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetWorkload returns a copy of the workload.
func (s *Store) GetWorkload(id string) (*types.Workload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workloads[id]
	if !ok {
		return nil, errdefs.NotFound("workload", id)
	}
	return cloneWorkload(w), nil
}

// GetWorkloadByName returns the workload with the given name in a
// namespace.
func (s *Store) GetWorkloadByName(namespace, name string) (*types.Workload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workloads {
		if w.Namespace == namespace && w.Name == name {
			return cloneWorkload(w), nil
		}
	}
	return nil, errdefs.NotFound("workload", namespace+"/"+name)
}

// ListWorkloads returns copies of all workloads sorted by id.
func (s *Store) ListWorkloads() []*types.Workload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Workload, 0, len(s.workloads))
	for _, w := range s.workloads {
		out = append(out, cloneWorkload(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetNamespace returns a copy of the namespace.
func (s *Store) GetNamespace(name string) (*types.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[name]
	if !ok {
		return nil, errdefs.NotFound("namespace", name)
	}
	c := *ns
	return &c, nil
}

// GetPriorityClass returns a copy of the priority class.
func (s *Store) GetPriorityClass(name string) (*types.PriorityClass, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc, ok := s.priorityClasses[name]
	if !ok {
		return nil, errdefs.NotFound("priority class", name)
	}
	c := *pc
	return &c, nil
}

// --- clone helpers ---

func cloneNode(n *types.Node) *types.Node {
	c := *n
	c.Labels = cloneMap(n.Labels)
	c.Taints = append([]types.Taint(nil), n.Taints...)
	c.Capabilities.Features = cloneMap(n.Capabilities.Features)
	return &c
}

func clonePack(p *types.Pack) *types.Pack {
	c := *p
	c.Metadata = cloneMap(p.Metadata)
	return &c
}

func clonePod(p *types.Pod) *types.Pod {
	c := *p
	c.Tolerations = append([]types.Toleration(nil), p.Tolerations...)
	c.NodeSelector = cloneMap(p.NodeSelector)
	c.Labels = cloneMap(p.Labels)
	c.Annotations = cloneMap(p.Annotations)
	return &c
}

func cloneWorkload(w *types.Workload) *types.Workload {
	c := *w
	c.Template.Labels = cloneMap(w.Template.Labels)
	c.Template.Annotations = cloneMap(w.Template.Annotations)
	c.Template.Tolerations = append([]types.Toleration(nil), w.Template.Tolerations...)
	c.Template.NodeSelector = cloneMap(w.Template.NodeSelector)
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
