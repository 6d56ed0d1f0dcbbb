package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/storage"
	"github.com/packdock/stevedore/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	a, err := storage.NewBoltAdapter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	s, err := New(a, nil)
	require.NoError(t, err)
	return s
}

func testNode(id string) *types.Node {
	return &types.Node{
		ID:      id,
		Name:    id,
		Runtime: types.RuntimeServer,
		Allocatable: types.Resources{
			CPUMillis:   4000,
			MemoryBytes: 8 << 30,
			Pods:        10,
		},
		Capabilities: types.Capabilities{Version: "1.2.0"},
	}
}

func testPod(id string) *types.Pod {
	return &types.Pod{
		ID:          id,
		PackName:    "imgproc",
		PackVersion: "1.0.0",
		Namespace:   "default",
		Requests:    types.Resources{CPUMillis: 1000, MemoryBytes: 1 << 30},
	}
}

func TestBindDebitsNodeCapacity(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))

	require.NoError(t, s.BindPod("pod-1", "node-1"))

	pod, err := s.GetPod("pod-1")
	require.NoError(t, err)
	assert.Equal(t, types.PodScheduled, pod.Status)
	assert.Equal(t, "node-1", pod.NodeID)
	assert.Equal(t, int64(1), pod.Incarnation)
	assert.False(t, pod.ScheduledAt.IsZero())

	node, err := s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), node.Allocated.CPUMillis)
	assert.Equal(t, int64(1), node.Allocated.Pods)
}

func TestBindRejectsOverCapacity(t *testing.T) {
	s := newTestStore(t)
	n := testNode("node-1")
	n.Allocatable = types.Resources{CPUMillis: 1500, MemoryBytes: 4 << 30, Pods: 10}
	require.NoError(t, s.CreateNode(n))

	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.CreatePod(testPod("pod-2")))

	require.NoError(t, s.BindPod("pod-1", "node-1"))
	err := s.BindPod("pod-2", "node-1")
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	// The losing pod is untouched and can bind elsewhere.
	pod, getErr := s.GetPod("pod-2")
	require.NoError(t, getErr)
	assert.Equal(t, types.PodPending, pod.Status)
	assert.Zero(t, pod.Incarnation)
}

func TestBindRequiresPendingPod(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.BindPod("pod-1", "node-1"))

	err := s.BindPod("pod-1", "node-1")
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)
}

func TestAdvanceStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.BindPod("pod-1", "node-1"))

	require.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodStarting, ""))
	require.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodRunning, ""))

	pod, err := s.GetPod("pod-1")
	require.NoError(t, err)
	assert.True(t, pod.Ready)
	assert.False(t, pod.StartedAt.IsZero())

	require.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodStopping, types.ReasonScaleDown))
	require.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodStopped, ""))

	pod, err = s.GetPod("pod-1")
	require.NoError(t, err)
	assert.Equal(t, types.PodStopped, pod.Status)
	assert.False(t, pod.Ready)
	assert.Empty(t, pod.NodeID)

	// Terminal state credits capacity back to the node.
	node, err := s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.Resources{}, node.Allocated)
}

func TestAdvanceStatusRejectsStaleIncarnation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.BindPod("pod-1", "node-1"))

	err := s.AdvancePodStatus("pod-1", 0, types.PodStarting, "")
	assert.ErrorIs(t, err, errdefs.ErrStaleIncarnation)
}

func TestAdvanceStatusRejectsInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.BindPod("pod-1", "node-1"))

	err := s.AdvancePodStatus("pod-1", 1, types.PodRunning, "")
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)
}

func TestAdvanceStatusSameStateIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.BindPod("pod-1", "node-1"))
	require.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodStarting, ""))

	assert.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodStarting, ""))
}

func TestHeartbeatReplayOnlyTouchesTimestamp(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.MarkNodeSuspect("node-1", base.Add(time.Minute)))

	// Replayed heartbeat at or before the last seen one does not recover.
	_, err := s.UpdateHeartbeat("node-1", base)
	require.NoError(t, err)
	node, err := s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeSuspect, node.Status)

	// A genuinely newer heartbeat recovers the node before lease expiry.
	_, err = s.UpdateHeartbeat("node-1", base.Add(2*time.Minute))
	require.NoError(t, err)
	node, err = s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOnline, node.Status)
	assert.True(t, node.SuspectSince.IsZero())
}

func TestHeartbeatFromOfflineNodeRejected(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.MarkNodeSuspect("node-1", time.Now()))
	_, err := s.ExpireNodeLease("node-1")
	require.NoError(t, err)

	_, err = s.UpdateHeartbeat("node-1", time.Now())
	assert.ErrorIs(t, err, errdefs.ErrConflict)
}

func TestLeaseExpiryRevokesPods(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.BindPod("pod-1", "node-1"))
	require.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodStarting, ""))
	require.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodRunning, ""))

	require.NoError(t, s.MarkNodeSuspect("node-1", time.Now()))
	revoked, err := s.ExpireNodeLease("node-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pod-1"}, revoked)

	node, err := s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOffline, node.Status)
	assert.Equal(t, types.Resources{}, node.Allocated)
	assert.Empty(t, node.SessionID)

	pod, err := s.GetPod("pod-1")
	require.NoError(t, err)
	assert.Equal(t, types.PodFailed, pod.Status)
	assert.Equal(t, types.ReasonNodeLost, pod.Reason)
	assert.Equal(t, int64(2), pod.Incarnation)
	assert.Empty(t, pod.NodeID)
}

func TestExpireRequiresSuspect(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))

	_, err := s.ExpireNodeLease("node-1")
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)
}

func TestRevokeBumpsIncarnation(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.BindPod("pod-1", "node-1"))

	require.NoError(t, s.RevokePod("pod-1", types.ReasonNodeLost))

	// A status report from the old placement is now stale.
	err := s.AdvancePodStatus("pod-1", 1, types.PodStarting, "")
	assert.ErrorIs(t, err, errdefs.ErrStaleIncarnation)
}

func TestRequestPodStopIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.BindPod("pod-1", "node-1"))
	require.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodStarting, ""))
	require.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodRunning, ""))

	require.NoError(t, s.RequestPodStop("pod-1", types.ReasonScaleDown))
	require.NoError(t, s.RequestPodStop("pod-1", types.ReasonScaleDown))

	pod, err := s.GetPod("pod-1")
	require.NoError(t, err)
	assert.Equal(t, types.PodStopping, pod.Status)
}

func TestDeletePodRequiresTerminalOrPending(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.CreatePod(testPod("pod-2")))
	require.NoError(t, s.BindPod("pod-1", "node-1"))

	assert.ErrorIs(t, s.DeletePod("pod-1"), errdefs.ErrConflict)
	assert.NoError(t, s.DeletePod("pod-2"))
}

func TestPackNameVersionConflict(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreatePack(&types.Pack{
		ID: "pack-1", Name: "imgproc", Version: "1.0.0", Runtime: types.RuntimeServer,
	}))

	err := s.CreatePack(&types.Pack{
		ID: "pack-2", Name: "imgproc", Version: "1.0.0", Runtime: types.RuntimeServer,
	})
	assert.ErrorIs(t, err, errdefs.ErrConflict)

	// A new version of the same name is fine.
	assert.NoError(t, s.CreatePack(&types.Pack{
		ID: "pack-3", Name: "imgproc", Version: "1.1.0", Runtime: types.RuntimeServer,
	}))
}

func TestCreatePackRejectsBadVersion(t *testing.T) {
	s := newTestStore(t)
	err := s.CreatePack(&types.Pack{
		ID: "pack-1", Name: "imgproc", Version: "not-semver", Runtime: types.RuntimeServer,
	})
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestLatestPackVersion(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.CreatePack(&types.Pack{
		ID: "pack-1", Name: "imgproc", Version: "1.0.0", Runtime: types.RuntimeServer,
	}))
	s.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, s.CreatePack(&types.Pack{
		ID: "pack-2", Name: "imgproc", Version: "1.1.0", Runtime: types.RuntimeServer,
	}))

	latest, err := s.LatestPackVersion("imgproc")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", latest.Version)
}

func TestLatestPackVersionOrdersBySemver(t *testing.T) {
	s := newTestStore(t)
	// A backported patch registered after the current major must not
	// win the latest lookup.
	require.NoError(t, s.CreatePack(&types.Pack{
		ID: "pack-1", Name: "imgproc", Version: "2.0.0", Runtime: types.RuntimeServer,
	}))
	require.NoError(t, s.CreatePack(&types.Pack{
		ID: "pack-2", Name: "imgproc", Version: "1.5.1", Runtime: types.RuntimeServer,
	}))

	latest, err := s.LatestPackVersion("imgproc")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest.Version)
}

func TestCreateWorkloadValidatesReferences(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNamespace("default"))
	require.NoError(t, s.CreatePack(&types.Pack{
		ID: "pack-1", Name: "web", Version: "1.0.0", Runtime: types.RuntimeServer,
	}))

	w := &types.Workload{
		ID: "wl-1", Name: "frontend", Namespace: "default",
		PackName: "web", PackVersion: "9.9.9", Replicas: 2,
	}
	assert.ErrorIs(t, s.CreateWorkload(w), errdefs.ErrNotFound)

	w.PackVersion = "1.0.0"
	require.NoError(t, s.CreateWorkload(w))

	dup := &types.Workload{
		ID: "wl-2", Name: "frontend", Namespace: "default",
		PackName: "web", PackVersion: "1.0.0", Replicas: 1,
	}
	assert.ErrorIs(t, s.CreateWorkload(dup), errdefs.ErrConflict)
}

func TestCreateWorkloadRejectsTerminatingNamespace(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNamespace("default"))
	require.NoError(t, s.SetNamespacePhase("default", types.NamespaceTerminating))

	err := s.CreateWorkload(&types.Workload{
		ID: "wl-1", Name: "frontend", Namespace: "default",
		PackName: "web", FollowLatest: true, Replicas: 1,
	})
	assert.ErrorIs(t, err, errdefs.ErrConflict)
}

func TestDeleteWorkloadRequiresNoPods(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNamespace("default"))
	require.NoError(t, s.CreateWorkload(&types.Workload{
		ID: "wl-1", Name: "frontend", Namespace: "default",
		PackName: "web", FollowLatest: true, Replicas: 1,
	}))
	pod := testPod("pod-1")
	pod.WorkloadID = "wl-1"
	require.NoError(t, s.CreatePod(pod))

	assert.ErrorIs(t, s.DeleteWorkload("wl-1"), errdefs.ErrConflict)

	require.NoError(t, s.DeletePod("pod-1"))
	assert.NoError(t, s.DeleteWorkload("wl-1"))
}

func TestSessionRebindIgnoresStaleClear(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.BindNodeSession("node-1", "sess-old"))
	require.NoError(t, s.BindNodeSession("node-1", "sess-new"))

	// The old session's disconnect hook must not detach the new one.
	require.NoError(t, s.ClearNodeSession("node-1", "sess-old"))
	node, err := s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-new", node.SessionID)
}

func TestStoreReloadsFromAdapter(t *testing.T) {
	dir := t.TempDir()
	a, err := storage.NewBoltAdapter(dir)
	require.NoError(t, err)

	s, err := New(a, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.BindNodeSession("node-1", "sess-1"))
	require.NoError(t, a.Close())

	b, err := storage.NewBoltAdapter(dir)
	require.NoError(t, err)
	defer b.Close()

	s2, err := New(b, nil)
	require.NoError(t, err)
	node, err := s2.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOnline, node.Status)
	// Sessions do not survive a restart.
	assert.Empty(t, node.SessionID)
}

func TestDrainNodeEvictsPods(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.BindPod("pod-1", "node-1"))
	require.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodStarting, ""))
	require.NoError(t, s.AdvancePodStatus("pod-1", 1, types.PodRunning, ""))

	evicted, err := s.DrainNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pod-1"}, evicted)

	node, err := s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeDraining, node.Status)
	assert.True(t, node.Unschedulable)
	assert.Zero(t, node.Allocated)

	pod, err := s.GetPod("pod-1")
	require.NoError(t, err)
	assert.Equal(t, types.PodEvicted, pod.Status)
	assert.Equal(t, types.ReasonDrained, pod.Reason)
	assert.Empty(t, pod.NodeID)
	assert.EqualValues(t, 2, pod.Incarnation)

	// Draining twice is a no-op, and a drained node cannot be drained
	// back into service through this path.
	again, err := s.DrainNode("node-1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDrainNodeReclaimsMidflightPods(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.CreatePod(testPod("pod-1")))
	require.NoError(t, s.CreatePod(testPod("pod-2")))
	require.NoError(t, s.BindPod("pod-1", "node-1"))
	require.NoError(t, s.BindPod("pod-2", "node-1"))
	require.NoError(t, s.AdvancePodStatus("pod-2", 1, types.PodStarting, ""))

	// Neither pod reached running, so neither has an eviction edge in
	// the FSM. A drain must still reclaim both placements.
	evicted, err := s.DrainNode("node-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pod-1", "pod-2"}, evicted)

	node, err := s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeDraining, node.Status)
	assert.Zero(t, node.Allocated)

	for _, id := range []string{"pod-1", "pod-2"} {
		pod, err := s.GetPod(id)
		require.NoError(t, err)
		assert.Equal(t, types.PodFailed, pod.Status, id)
		assert.Equal(t, types.ReasonDrained, pod.Reason, id)
		assert.Empty(t, pod.NodeID, id)
		assert.EqualValues(t, 2, pod.Incarnation, id)
	}
}

func TestDrainOfflineNodeRejected(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateNode(testNode("node-1")))
	require.NoError(t, s.MarkNodeSuspect("node-1", time.Now()))
	_, err := s.ExpireNodeLease("node-1")
	require.NoError(t, err)

	_, err = s.DrainNode("node-1")
	assert.ErrorIs(t, err, errdefs.ErrInvalidTransition)
}

func TestVersionChangeEmitsRolloutEvent(t *testing.T) {
	a, err := storage.NewBoltAdapter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	s, err := New(a, broker)
	require.NoError(t, err)
	require.NoError(t, s.CreateNamespace("default"))
	require.NoError(t, s.CreatePack(&types.Pack{
		ID: "pack-1", Name: "web", Version: "1.0.0", Runtime: types.RuntimeServer,
	}))
	require.NoError(t, s.CreatePack(&types.Pack{
		ID: "pack-2", Name: "web", Version: "1.1.0", Runtime: types.RuntimeServer,
	}))
	require.NoError(t, s.CreateWorkload(&types.Workload{
		ID: "wl-1", Name: "web", Namespace: "default",
		PackName: "web", PackVersion: "1.0.0", Replicas: 1,
	}))

	require.NoError(t, s.UpdateWorkloadSpec("wl-1", 1, "1.1.0", false, nil))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type != events.EventWorkloadRollout {
				continue
			}
			assert.Equal(t, "wl-1", ev.ResourceID)
			assert.Equal(t, "1.0.0", ev.PreviousState)
			assert.Equal(t, "1.1.0", ev.NewState)
			return
		case <-deadline:
			t.Fatal("rollout event not delivered")
		}
	}
}
