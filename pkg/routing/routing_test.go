package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packdock/stevedore/pkg/session"
	"github.com/packdock/stevedore/pkg/storage"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

type denyPolicy struct{ reason string }

func (d denyPolicy) Allow(_, _ string) (bool, string) { return false, d.reason }

func newTestState(t *testing.T) *store.Store {
	t.Helper()
	a, err := storage.NewBoltAdapter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	s, err := store.New(a, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateNamespace("default"))
	require.NoError(t, s.CreateNode(&types.Node{
		ID: "node-1", Name: "node-1", Runtime: types.RuntimeServer,
		Allocatable: types.Resources{CPUMillis: 8000, MemoryBytes: 16 << 30, Pods: 100},
	}))
	return s
}

func runningPod(t *testing.T, s *store.Store, podID, workloadID string) {
	t.Helper()
	require.NoError(t, s.CreatePod(&types.Pod{
		ID: podID, WorkloadID: workloadID, PackName: "svc", PackVersion: "1.0.0",
		Namespace: "default", Requests: types.Resources{CPUMillis: 100},
	}))
	require.NoError(t, s.BindPod(podID, "node-1"))
	require.NoError(t, s.AdvancePodStatus(podID, 1, types.PodStarting, ""))
	require.NoError(t, s.AdvancePodStatus(podID, 1, types.PodRunning, ""))
}

func TestRoutePolicyDenial(t *testing.T) {
	s := newTestState(t)
	a := NewArbiter(s, denyPolicy{reason: "cross-namespace traffic forbidden"})

	resp := a.Route(session.RouteRequest{CallerServiceID: "wl-a", TargetServiceID: "wl-b"})
	assert.False(t, resp.Allowed)
	assert.Equal(t, "cross-namespace traffic forbidden", resp.Reason)
	assert.Empty(t, resp.TargetPodID)
}

func TestRouteNoHealthyTarget(t *testing.T) {
	s := newTestState(t)
	a := NewArbiter(s, nil)

	resp := a.Route(session.RouteRequest{CallerServiceID: "wl-a", TargetServiceID: "wl-b"})
	assert.False(t, resp.Allowed)
	assert.Equal(t, NoHealthyTarget, resp.Reason)
}

func TestRouteSpreadsLeastRecentlySelected(t *testing.T) {
	s := newTestState(t)
	runningPod(t, s, "pod-1", "wl-b")
	runningPod(t, s, "pod-2", "wl-b")

	a := NewArbiter(s, nil)
	req := session.RouteRequest{CallerServiceID: "wl-a", TargetServiceID: "wl-b"}

	first := a.Route(req)
	second := a.Route(req)
	require.True(t, first.Allowed)
	require.True(t, second.Allowed)
	assert.NotEqual(t, first.TargetPodID, second.TargetPodID)

	// Third call wraps around to the least recently selected.
	third := a.Route(req)
	assert.Equal(t, first.TargetPodID, third.TargetPodID)
}

func TestRouteSkipsUnhealthyPods(t *testing.T) {
	s := newTestState(t)
	runningPod(t, s, "pod-1", "wl-b")
	runningPod(t, s, "pod-2", "wl-b")
	require.NoError(t, s.RevokePod("pod-1", types.ReasonNodeLost))

	a := NewArbiter(s, nil)
	req := session.RouteRequest{CallerServiceID: "wl-a", TargetServiceID: "wl-b"}

	for i := 0; i < 3; i++ {
		resp := a.Route(req)
		require.True(t, resp.Allowed)
		assert.Equal(t, "pod-2", resp.TargetPodID)
	}
}

func TestRouteReturnsNodeBinding(t *testing.T) {
	s := newTestState(t)
	runningPod(t, s, "pod-1", "wl-b")

	a := NewArbiter(s, nil)
	resp := a.Route(session.RouteRequest{CallerServiceID: "wl-a", TargetServiceID: "wl-b"})
	require.True(t, resp.Allowed)
	assert.Equal(t, "pod-1", resp.TargetPodID)
	assert.Equal(t, "node-1", resp.TargetNodeID)
}

func TestGroupMembership(t *testing.T) {
	g := NewGroups()

	g.Join("pod-1", "workers")
	g.Join("pod-2", "workers")
	g.Join("pod-1", "cache")
	g.Join("pod-1", "workers") // idempotent

	assert.Equal(t, []string{"pod-1", "pod-2"}, g.Pods("workers"))
	assert.Equal(t, []string{"cache", "workers"}, g.Groups("pod-1"))

	g.Leave("pod-1", "workers")
	assert.Equal(t, []string{"pod-2"}, g.Pods("workers"))

	g.LeaveAll("pod-1")
	assert.Empty(t, g.Groups("pod-1"))
	assert.Empty(t, g.Pods("cache"))
}
