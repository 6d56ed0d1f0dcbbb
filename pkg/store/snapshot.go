package store

import (
	"github.com/hashicorp/go-multierror"

	"github.com/packdock/stevedore/pkg/types"
)

// Snapshot is a full copy of cluster state, used by the consensus layer
// for log compaction and follower catch-up.
type Snapshot struct {
	Nodes           []*types.Node          `json:"nodes"`
	Packs           []*types.Pack          `json:"packs"`
	Pods            []*types.Pod           `json:"pods"`
	Workloads       []*types.Workload      `json:"workloads"`
	Namespaces      []*types.Namespace     `json:"namespaces"`
	PriorityClasses []*types.PriorityClass `json:"priorityClasses"`
}

// Dump captures the current state.
func (s *Store) Dump() *Snapshot {
	return &Snapshot{
		Nodes:           s.ListNodes(),
		Packs:           s.ListPacks(),
		Pods:            s.ListPods(),
		Workloads:       s.ListWorkloads(),
		Namespaces:      s.ListNamespaces(),
		PriorityClasses: s.ListPriorityClasses(),
	}
}

// Restore replaces all state with the snapshot, both in the cache and
// the durable adapter.
func (s *Store) Restore(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs *multierror.Error
	for id := range s.pods {
		errs = multierror.Append(errs, s.adapter.DeletePod(id))
	}
	for id := range s.nodes {
		errs = multierror.Append(errs, s.adapter.DeleteNode(id))
	}
	for id := range s.packs {
		errs = multierror.Append(errs, s.adapter.DeletePack(id))
	}
	for id := range s.workloads {
		errs = multierror.Append(errs, s.adapter.DeleteWorkload(id))
	}
	for name := range s.namespaces {
		errs = multierror.Append(errs, s.adapter.DeleteNamespace(name))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	s.nodes = make(map[string]*types.Node, len(snap.Nodes))
	s.packs = make(map[string]*types.Pack, len(snap.Packs))
	s.pods = make(map[string]*types.Pod, len(snap.Pods))
	s.workloads = make(map[string]*types.Workload, len(snap.Workloads))
	s.namespaces = make(map[string]*types.Namespace, len(snap.Namespaces))
	s.priorityClasses = make(map[string]*types.PriorityClass, len(snap.PriorityClasses))
	s.packIndex = make(map[string]string, len(snap.Packs))

	for _, n := range snap.Nodes {
		if err := s.adapter.CreateNode(n); err != nil {
			return err
		}
		s.nodes[n.ID] = cloneNode(n)
	}
	for _, p := range snap.Packs {
		if err := s.adapter.CreatePack(p); err != nil {
			return err
		}
		s.packs[p.ID] = clonePack(p)
		s.packIndex[packKey(p.Name, p.Version)] = p.ID
	}
	for _, p := range snap.Pods {
		if err := s.adapter.CreatePod(p); err != nil {
			return err
		}
		s.pods[p.ID] = clonePod(p)
	}
	for _, w := range snap.Workloads {
		if err := s.adapter.CreateWorkload(w); err != nil {
			return err
		}
		s.workloads[w.ID] = cloneWorkload(w)
	}
	for _, ns := range snap.Namespaces {
		if err := s.adapter.CreateNamespace(ns); err != nil {
			return err
		}
		c := *ns
		s.namespaces[ns.Name] = &c
	}
	for _, pc := range snap.PriorityClasses {
		// Priority classes may already exist; overwrite is harmless.
		if _, exists := s.priorityClasses[pc.Name]; !exists {
			if err := s.adapter.CreatePriorityClass(pc); err != nil {
				return err
			}
		}
		c := *pc
		s.priorityClasses[pc.Name] = &c
	}
	return nil
}
