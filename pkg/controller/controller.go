package controller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/metrics"
	"github.com/packdock/stevedore/pkg/scheduler"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

const (
	// DefaultInterval is the reconcile cadence.
	DefaultInterval = 5 * time.Second

	// PassTimeout bounds one full reconcile pass.
	PassTimeout = 30 * time.Second

	// CrashLoopThreshold is the consecutive failure count that puts a
	// version into backoff.
	CrashLoopThreshold = 3

	crashBackoffBase = 30 * time.Second
	crashBackoffCap  = 15 * time.Minute
)

// Placer feeds freshly created pods to the scheduler.
type Placer interface {
	Enqueue(podID string, priority int)
	Forget(podID string)
}

// Commander pushes terminate commands to the agent owning a pod's node.
// May be nil when no session transport is attached.
type Commander interface {
	Terminate(pod *types.Pod, reason string)
}

// Controller converges workloads: replica counts, version rollouts,
// crash-loop backoff and daemon placement.
type Controller struct {
	state     store.API
	placer    Placer
	commander Commander
	interval  time.Duration
	logger    zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New builds a controller. A zero interval takes the default.
func New(state store.API, placer Placer, commander Commander, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Controller{
		state:     state,
		placer:    placer,
		commander: commander,
		interval:  interval,
		logger:    log.WithComponent("controller"),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the reconcile loop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.run()
	c.logger.Info().Dur("interval", c.interval).Msg("workload controller started")
}

// Stop halts the loop and waits for an in-flight pass.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Controller) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), PassTimeout)
			if err := c.Reconcile(ctx); err != nil {
				c.logger.Error().Err(err).Msg("reconcile pass finished with errors")
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

// Reconcile runs one pass over all workloads. Per-workload failures are
// aggregated so one broken workload cannot stall the rest.
func (c *Controller) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		metrics.ReconcileDuration.Observe(timer.Duration().Seconds())
		metrics.ReconcileCyclesTotal.Inc()
	}()

	var errs *multierror.Error
	for _, w := range c.state.ListWorkloads() {
		if ctx.Err() != nil {
			errs = multierror.Append(errs, ctx.Err())
			break
		}
		if err := c.reconcileWorkload(w); err != nil {
			c.logger.Error().Err(err).Str("workload_id", w.ID).Msg("workload reconcile failed")
			errs = multierror.Append(errs, err)
		}
	}
	c.observeInventory()
	return errs.ErrorOrNil()
}

// observeInventory refreshes the cluster inventory gauges from the
// current state. Reset before counting so label combinations that
// emptied out since the last pass drop back to zero.
func (c *Controller) observeInventory() {
	metrics.NodesTotal.Reset()
	for _, n := range c.state.ListNodes() {
		metrics.NodesTotal.WithLabelValues(string(n.Runtime), string(n.Status)).Inc()
	}
	metrics.PodsTotal.Reset()
	for _, p := range c.state.ListPods() {
		metrics.PodsTotal.WithLabelValues(string(p.Status)).Inc()
	}
	metrics.WorkloadsTotal.Set(float64(len(c.state.ListWorkloads())))
	metrics.PacksTotal.Set(float64(len(c.state.ListPacks())))
}

func (c *Controller) reconcileWorkload(w *types.Workload) error {
	pods := c.state.ListPodsByWorkload(w.ID)

	if w.Status == types.WorkloadDeleting {
		return c.teardown(w, pods)
	}

	if w.Status == types.WorkloadPaused {
		return c.recordObserved(w, pods, w.PackVersion)
	}

	target, err := c.resolveTarget(w)
	if err != nil {
		return err
	}

	inBackoff := c.accountCrashLoop(w, pods, target)

	if err := c.gcTerminalPods(w, pods, target); err != nil {
		return err
	}
	pods = c.state.ListPodsByWorkload(w.ID)

	if w.Daemon() {
		err = c.reconcileDaemon(w, pods, target, inBackoff)
	} else {
		err = c.reconcileReplicas(w, pods, target, inBackoff)
	}
	if err != nil {
		return err
	}

	return c.recordObserved(w, c.state.ListPodsByWorkload(w.ID), target)
}

// resolveTarget applies follow-latest version drift and returns the
// version this pass converges on.
func (c *Controller) resolveTarget(w *types.Workload) (string, error) {
	if !w.FollowLatest {
		return w.PackVersion, nil
	}
	latest, err := c.state.LatestPackVersion(w.PackName)
	if err != nil {
		return "", err
	}
	if latest.Version != w.PackVersion {
		if err := c.state.UpdateWorkloadSpec(w.ID, w.Replicas, latest.Version, true, nil); err != nil {
			return "", err
		}
		c.logger.Info().Str("workload_id", w.ID).
			Str("from", w.PackVersion).Str("to", latest.Version).
			Msg("following latest pack version")
		w.PackVersion = latest.Version
	}
	return latest.Version, nil
}

// accountCrashLoop derives the consecutive failure count for the target
// version from the pod history and maintains the backoff gate. Returns
// whether the version is currently gated.
func (c *Controller) accountCrashLoop(w *types.Workload, pods []*types.Pod, target string) bool {
	now := c.now()

	// Newest first for the target version.
	history := make([]*types.Pod, 0, len(pods))
	for _, p := range pods {
		if p.PackVersion == target {
			history = append(history, p)
		}
	}
	sort.Slice(history, func(i, j int) bool {
		if !history[i].CreatedAt.Equal(history[j].CreatedAt) {
			return history[i].CreatedAt.After(history[j].CreatedAt)
		}
		return history[i].ID > history[j].ID
	})

	succeeded := false
	failures := 0
	for _, p := range history {
		if p.Status == types.PodRunning && p.Ready {
			succeeded = true
			break
		}
		// A pod that died before ever running counts against the
		// version. Infrastructure loss does not.
		if p.Status == types.PodFailed && p.StartedAt.IsZero() && p.Reason != types.ReasonNodeLost {
			failures++
			continue
		}
		break
	}

	next := *w
	changed := false
	switch {
	case succeeded:
		if next.LastSuccessfulVersion != target || next.FailedVersion != "" {
			next.LastSuccessfulVersion = target
			next.FailedVersion = ""
			next.ConsecutiveFailures = 0
			next.FailureBackoffUntil = time.Time{}
			changed = true
		}
	case failures != next.ConsecutiveFailures:
		next.ConsecutiveFailures = failures
		changed = true
	}

	if next.ConsecutiveFailures >= CrashLoopThreshold && next.FailedVersion != target {
		next.FailedVersion = target
		next.FailureBackoffUntil = now.Add(crashBackoff(next.ConsecutiveFailures))
		metrics.WorkloadsStalled.Inc()
		changed = true
	}

	if changed {
		if err := c.state.RecordWorkloadRollout(w.ID, next); err != nil {
			c.logger.Error().Err(err).Str("workload_id", w.ID).Msg("rollout state not persisted")
		} else {
			*w = next
		}
	}

	return w.FailedVersion == target && now.Before(w.FailureBackoffUntil)
}

// reconcileReplicas converges a fixed-count workload: rollout first,
// then scale.
func (c *Controller) reconcileReplicas(w *types.Workload, pods []*types.Pod, target string, inBackoff bool) error {
	current := nonTerminal(pods)
	updated, old := splitByVersion(current, target)

	// Version rollout, one pod at a time: surge one new pod, wait for
	// it to run, then retire one old pod.
	if len(old) > 0 {
		for _, p := range updated {
			if !(p.Status == types.PodRunning && p.Ready) {
				// Newcomer still on its way; hold the rollout.
				return nil
			}
		}
		if len(current) > w.Replicas {
			c.retirePod(youngest(old), types.ReasonRollout)
			return nil
		}
		if inBackoff {
			return nil
		}
		return c.createPod(w, target)
	}

	// Scale up.
	if len(current) < w.Replicas {
		if inBackoff {
			return nil
		}
		var errs *multierror.Error
		for i := len(current); i < w.Replicas; i++ {
			if err := c.createPod(w, target); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs.ErrorOrNil()
	}

	// Scale down, youngest first.
	excess := append([]*types.Pod(nil), current...)
	for len(excess) > w.Replicas {
		victim := youngest(excess)
		c.retirePod(victim, types.ReasonScaleDown)
		excess = without(excess, victim.ID)
	}
	return nil
}

// reconcileDaemon converges a one-pod-per-node workload. Nodes leaving
// the feasible set (including cordoned ones) lose their replica.
func (c *Controller) reconcileDaemon(w *types.Workload, pods []*types.Pod, target string, inBackoff bool) error {
	pack, err := c.state.GetPackVersion(w.PackName, target)
	if err != nil {
		return err
	}

	probe := c.newPodFromTemplate(w, target)
	feasible, _ := scheduler.Feasible(probe, pack, c.state.ListNodes())
	feasibleSet := make(map[string]bool, len(feasible))
	for _, n := range feasible {
		feasibleSet[n.ID] = true
	}

	current := nonTerminal(pods)
	covered := make(map[string]bool)
	for _, p := range current {
		nodeID := p.NodeSelector[types.LabelNodeID]
		if nodeID == "" {
			nodeID = p.NodeID
		}
		if !feasibleSet[nodeID] {
			c.retirePod(p, types.ReasonDrained)
			continue
		}
		if p.PackVersion != target {
			// Old version: retire; the node is re-covered next pass.
			c.retirePod(p, types.ReasonRollout)
			continue
		}
		covered[nodeID] = true
	}

	if inBackoff {
		return nil
	}
	var errs *multierror.Error
	for _, n := range feasible {
		if covered[n.ID] {
			continue
		}
		pod := c.newPodFromTemplate(w, target)
		if pod.NodeSelector == nil {
			pod.NodeSelector = make(map[string]string)
		}
		pod.NodeSelector[types.LabelNodeID] = n.ID
		if err := c.submitPod(pod); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// teardown stops all pods of a deleting workload and removes the record
// once nothing references it.
func (c *Controller) teardown(w *types.Workload, pods []*types.Pod) error {
	remaining := false
	for _, p := range pods {
		if p.Status.Terminal() || p.Status == types.PodPending {
			if err := c.state.DeletePod(p.ID); err == nil && c.placer != nil {
				c.placer.Forget(p.ID)
			}
			continue
		}
		remaining = true
		c.retirePod(p, types.ReasonUserDelete)
	}
	if remaining {
		return nil
	}
	return c.state.DeleteWorkload(w.ID)
}

// retirePod requests termination appropriate to the pod's state.
// Scheduled and starting pods are left for a later pass; stopping them
// mid-flight is not a legal transition.
func (c *Controller) retirePod(p *types.Pod, reason string) {
	switch {
	case p == nil:
		return
	case p.Status == types.PodPending:
		if err := c.state.DeletePod(p.ID); err != nil {
			c.logger.Error().Err(err).Str("pod_id", p.ID).Msg("pending pod not deleted")
			return
		}
		if c.placer != nil {
			c.placer.Forget(p.ID)
		}
	case p.Status == types.PodRunning:
		if err := c.state.RequestPodStop(p.ID, reason); err != nil {
			c.logger.Error().Err(err).Str("pod_id", p.ID).Msg("stop request failed")
			return
		}
		if c.commander != nil {
			c.commander.Terminate(p, reason)
		}
	case p.Status == types.PodStopping:
		// Already on its way out; re-push the command in case the first
		// one was lost. Replay is safe under the incarnation check.
		if c.commander != nil {
			c.commander.Terminate(p, reason)
		}
	}
}

func (c *Controller) createPod(w *types.Workload, version string) error {
	return c.submitPod(c.newPodFromTemplate(w, version))
}

func (c *Controller) newPodFromTemplate(w *types.Workload, version string) *types.Pod {
	priority := 0
	if w.PriorityClass != "" {
		if pc, err := c.state.GetPriorityClass(w.PriorityClass); err == nil {
			priority = pc.Value
		}
	}
	return &types.Pod{
		ID:           uuid.New().String(),
		WorkloadID:   w.ID,
		PackName:     w.PackName,
		PackVersion:  version,
		Namespace:    w.Namespace,
		Requests:     w.Template.Requests,
		Limits:       w.Template.Limits,
		Tolerations:  append([]types.Toleration(nil), w.Template.Tolerations...),
		NodeSelector: cloneStringMap(w.Template.NodeSelector),
		Labels:       cloneStringMap(w.Template.Labels),
		Annotations:  cloneStringMap(w.Template.Annotations),
		Priority:     priority,
		CreatedBy:    w.OwnerID,
	}
}

func (c *Controller) submitPod(pod *types.Pod) error {
	if err := c.state.CreatePod(pod); err != nil {
		return err
	}
	if c.placer != nil {
		c.placer.Enqueue(pod.ID, pod.Priority)
	}
	return nil
}

func (c *Controller) recordObserved(w *types.Workload, pods []*types.Pod, target string) error {
	ready, available, updated := 0, 0, 0
	for _, p := range pods {
		if p.Status.Terminal() {
			continue
		}
		if p.Status == types.PodRunning {
			available++
			if p.Ready {
				ready++
			}
		}
		if p.PackVersion == target {
			updated++
		}
	}
	return c.state.RecordWorkloadObserved(w.ID, ready, available, updated)
}

// gcTerminalPods drops finished pods that no longer carry useful
// history. Failed pods of the target version are kept for crash-loop
// accounting until the version succeeds or changes.
func (c *Controller) gcTerminalPods(w *types.Workload, pods []*types.Pod, target string) error {
	var errs *multierror.Error
	for _, p := range pods {
		if !p.Status.Terminal() {
			continue
		}
		if p.Status == types.PodFailed && p.PackVersion == target &&
			w.LastSuccessfulVersion != target {
			continue
		}
		if err := c.state.DeletePod(p.ID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func nonTerminal(pods []*types.Pod) []*types.Pod {
	var out []*types.Pod
	for _, p := range pods {
		if !p.Status.Terminal() {
			out = append(out, p)
		}
	}
	return out
}

func splitByVersion(pods []*types.Pod, target string) (updated, old []*types.Pod) {
	for _, p := range pods {
		if p.PackVersion == target {
			updated = append(updated, p)
		} else {
			old = append(old, p)
		}
	}
	return updated, old
}

// youngest returns the newest pod, breaking creation-time ties on the
// higher id.
func youngest(pods []*types.Pod) *types.Pod {
	var best *types.Pod
	for _, p := range pods {
		if best == nil ||
			p.CreatedAt.After(best.CreatedAt) ||
			(p.CreatedAt.Equal(best.CreatedAt) && p.ID > best.ID) {
			best = p
		}
	}
	return best
}

func without(pods []*types.Pod, id string) []*types.Pod {
	out := pods[:0]
	for _, p := range pods {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// crashBackoff grows with the failure count past the threshold.
func crashBackoff(failures int) time.Duration {
	d := crashBackoffBase
	for i := CrashLoopThreshold; i < failures; i++ {
		d *= 2
		if d >= crashBackoffCap {
			return crashBackoffCap
		}
	}
	return d
}
