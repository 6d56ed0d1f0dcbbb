package routing

import (
	"sort"
	"sync"
)

// Groups is the pod group registry: named rendezvous sets pods join to
// find each other. Memberships are in-memory only and flushed when the
// owning session disconnects.
type Groups struct {
	mu      sync.RWMutex
	byGroup map[string]map[string]bool
	byPod   map[string]map[string]bool
}

// NewGroups creates an empty registry.
func NewGroups() *Groups {
	return &Groups{
		byGroup: make(map[string]map[string]bool),
		byPod:   make(map[string]map[string]bool),
	}
}

// Join adds a pod to a group. Idempotent.
func (g *Groups) Join(podID, groupID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.byGroup[groupID] == nil {
		g.byGroup[groupID] = make(map[string]bool)
	}
	g.byGroup[groupID][podID] = true
	if g.byPod[podID] == nil {
		g.byPod[podID] = make(map[string]bool)
	}
	g.byPod[podID][groupID] = true
}

// Leave removes a pod from a group.
func (g *Groups) Leave(podID, groupID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaveLocked(podID, groupID)
}

// LeaveAll removes a pod from every group, used on disconnect and on
// pod termination.
func (g *Groups) LeaveAll(podID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for groupID := range g.byPod[podID] {
		g.leaveLocked(podID, groupID)
	}
}

func (g *Groups) leaveLocked(podID, groupID string) {
	if members := g.byGroup[groupID]; members != nil {
		delete(members, podID)
		if len(members) == 0 {
			delete(g.byGroup, groupID)
		}
	}
	if groups := g.byPod[podID]; groups != nil {
		delete(groups, groupID)
		if len(groups) == 0 {
			delete(g.byPod, podID)
		}
	}
}

// Pods lists the members of a group, sorted.
func (g *Groups) Pods(groupID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.byGroup[groupID]))
	for podID := range g.byGroup[groupID] {
		out = append(out, podID)
	}
	sort.Strings(out)
	return out
}

// Groups lists the groups a pod belongs to, sorted.
func (g *Groups) Groups(podID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.byPod[podID]))
	for groupID := range g.byPod[podID] {
		out = append(out, groupID)
	}
	sort.Strings(out)
	return out
}
