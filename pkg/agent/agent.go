package agent

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/session"
	"github.com/packdock/stevedore/pkg/types"
)

const (
	// DefaultHeartbeatInterval matches the server-side lease cadence.
	DefaultHeartbeatInterval = 30 * time.Second

	dialTimeout    = 10 * time.Second
	requestTimeout = 10 * time.Second
	reconnectBase  = time.Second
	reconnectCap   = 30 * time.Second
)

// Config describes one agent runtime and how it reaches the control
// plane.
type Config struct {
	ServerAddr string
	// Token is the join token or issued agent credential presented at
	// registration.
	Token        string
	Name         string
	Runtime      types.RuntimeKind
	Capabilities types.Capabilities
	Allocatable  types.Resources
	Labels       map[string]string
	Taints       []types.Taint

	HeartbeatInterval time.Duration
	RouteTTL          time.Duration

	// Dial overrides the transport, used by tests to wire a pipe.
	Dial func() (net.Conn, error)
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Dial == nil {
		addr := c.ServerAddr
		c.Dial = func() (net.Conn, error) {
			return net.DialTimeout("tcp", addr, dialTimeout)
		}
	}
}

// Agent is the node-side daemon: it registers with the control plane,
// heartbeats, executes pod assignments through its PackRuntime, and
// reports every lifecycle transition back.
type Agent struct {
	cfg     Config
	runtime PackRuntime
	routes  *RouteCache
	logger  zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	nodeID  string
	active  map[string]int64
	waiters map[string]chan *session.Frame

	writeMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an agent; Run starts it.
func New(cfg Config, rt PackRuntime) *Agent {
	cfg.applyDefaults()
	return &Agent{
		cfg:     cfg,
		runtime: rt,
		routes:  NewRouteCache(cfg.RouteTTL),
		logger:  log.WithComponent("agent"),
		active:  make(map[string]int64),
		waiters: make(map[string]chan *session.Frame),
		stopCh:  make(chan struct{}),
	}
}

// NodeID returns the identity assigned at the last registration.
func (a *Agent) NodeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodeID
}

// Run connects, registers and serves until Stop or the context ends.
// A dropped connection triggers re-registration under a fresh node
// identity; placements from the old identity are torn down because the
// server has already revoked them.
func (a *Agent) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		select {
		case <-a.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		node, err := a.connect()
		if err != nil {
			a.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("connect failed")
			select {
			case <-time.After(backoff):
			case <-a.stopCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff *= 2; backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}
		backoff = reconnectBase
		a.logger.Info().Str("node_id", node.ID).Msg("registered with control plane")

		hbStop := make(chan struct{})
		a.wg.Add(1)
		go a.heartbeatLoop(node.ID, hbStop)

		a.readLoop(ctx)
		close(hbStop)
		a.teardownPlacements(ctx)
	}
}

// Stop shuts the agent down.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// connect dials the server and performs the registration handshake.
func (a *Agent) connect() (*types.Node, error) {
	conn, err := a.cfg.Dial()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	previousNodeID := a.nodeID
	a.conn = conn
	a.mu.Unlock()

	req := session.RegisterRequest{
		Token:        a.cfg.Token,
		Name:         a.cfg.Name,
		RuntimeType:  a.cfg.Runtime,
		Capabilities: a.cfg.Capabilities,
		Allocatable:  a.cfg.Allocatable,
		Labels:       a.cfg.Labels,
		Taints:       a.cfg.Taints,
		NodeID:       previousNodeID,
	}
	if err := a.send(session.TypeNodeRegister, req, uuid.New().String()); err != nil {
		conn.Close()
		return nil, err
	}

	// Registration is the only synchronous exchange; the read loop is
	// not running yet.
	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	f, err := session.ReadFrame(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, err
	}

	switch f.Type {
	case session.TypeNodeRegisterAck:
		var ack session.RegisterAck
		if err := session.DecodePayload(f, &ack); err != nil {
			conn.Close()
			return nil, err
		}
		a.mu.Lock()
		a.nodeID = ack.Node.ID
		a.mu.Unlock()
		return ack.Node, nil
	case session.TypeNodeRegisterError:
		var ep session.ErrorPayload
		if err := session.DecodePayload(f, &ep); err != nil {
			conn.Close()
			return nil, err
		}
		conn.Close()
		return nil, errdefs.FromCode(ep.Code, ep.Message)
	default:
		conn.Close()
		return nil, errdefs.Validation("unexpected registration reply %s", f.Type)
	}
}

// readLoop consumes frames until the connection drops.
func (a *Agent) readLoop(ctx context.Context) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	for {
		f, err := session.ReadFrame(conn)
		if err != nil {
			a.logger.Debug().Err(err).Msg("server connection closed")
			conn.Close()
			return
		}

		switch f.Type {
		case session.TypePodAssign:
			a.handleAssign(ctx, f)
		case session.TypePodTerminate:
			a.handleTerminate(ctx, f)
		case session.TypeNodeHeartbeatAck, session.TypeRouteResponse:
			a.deliver(f)
		default:
			if strings.HasSuffix(f.Type, session.ErrorSuffix) {
				var ep session.ErrorPayload
				if err := session.DecodePayload(f, &ep); err == nil {
					a.logger.Warn().Str("type", f.Type).Str("code", ep.Code).
						Str("message", ep.Message).Msg("server rejected a frame")
					a.deliver(f)
					continue
				}
			}
			a.logger.Debug().Str("type", f.Type).Msg("ignoring unexpected frame")
		}
	}
}

// deliver hands a correlated reply to its waiter, if one is blocked.
func (a *Agent) deliver(f *session.Frame) {
	if f.CorrelationID == "" {
		return
	}
	a.mu.Lock()
	ch, ok := a.waiters[f.CorrelationID]
	if ok {
		delete(a.waiters, f.CorrelationID)
	}
	a.mu.Unlock()
	if ok {
		ch <- f
	}
}

// handleAssign records the placement and launches it. Execution runs
// off the read loop so a slow bundle start cannot starve heartbeat
// acks.
func (a *Agent) handleAssign(ctx context.Context, f *session.Frame) {
	var assignment session.PodAssignment
	if err := session.DecodePayload(f, &assignment); err != nil {
		a.logger.Warn().Err(err).Msg("malformed assignment")
		return
	}

	a.mu.Lock()
	if current, ok := a.active[assignment.PodID]; ok && current >= assignment.Incarnation {
		a.mu.Unlock()
		a.logger.Debug().Str("pod_id", assignment.PodID).
			Int64("incarnation", assignment.Incarnation).Msg("stale assignment discarded")
		return
	}
	a.active[assignment.PodID] = assignment.Incarnation
	a.mu.Unlock()

	ack := session.PodCommandAck{PodID: assignment.PodID, Incarnation: assignment.Incarnation}
	if err := a.send(session.TypePodAssignAck, ack, f.CorrelationID); err != nil {
		a.logger.Debug().Err(err).Msg("assign ack not sent")
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reportStatus(assignment.PodID, assignment.Incarnation, types.PodStarting, "")

		if err := a.runtime.Start(ctx, assignment); err != nil {
			a.logger.Error().Err(err).Str("pod_id", assignment.PodID).Msg("bundle start failed")
			a.reportStatus(assignment.PodID, assignment.Incarnation, types.PodFailed, err.Error())
			a.forget(assignment.PodID, assignment.Incarnation)
			return
		}
		if !a.stillCurrent(assignment.PodID, assignment.Incarnation) {
			// Superseded while starting; the terminate path owns cleanup.
			return
		}
		a.reportStatus(assignment.PodID, assignment.Incarnation, types.PodRunning, "")
	}()
}

// handleTerminate stops a placement. Replays and stale incarnations are
// no-ops.
func (a *Agent) handleTerminate(ctx context.Context, f *session.Frame) {
	var req session.PodTerminateRequest
	if err := session.DecodePayload(f, &req); err != nil {
		a.logger.Warn().Err(err).Msg("malformed terminate")
		return
	}
	ack := session.PodCommandAck{PodID: req.PodID, Incarnation: req.Incarnation}
	if err := a.send(session.TypePodTerminateAck, ack, f.CorrelationID); err != nil {
		a.logger.Debug().Err(err).Msg("terminate ack not sent")
	}

	a.mu.Lock()
	current, ok := a.active[req.PodID]
	a.mu.Unlock()
	if !ok || req.Incarnation < current {
		a.logger.Debug().Str("pod_id", req.PodID).Msg("terminate for inactive placement ignored")
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reportStatus(req.PodID, req.Incarnation, types.PodStopping, req.Reason)
		if err := a.runtime.Stop(ctx, req.PodID); err != nil {
			a.logger.Error().Err(err).Str("pod_id", req.PodID).Msg("bundle stop failed")
			a.reportStatus(req.PodID, req.Incarnation, types.PodFailed, err.Error())
		} else {
			a.reportStatus(req.PodID, req.Incarnation, types.PodStopped, req.Reason)
		}
		a.forget(req.PodID, req.Incarnation)
	}()
}

func (a *Agent) stillCurrent(podID string, incarnation int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active[podID] == incarnation
}

func (a *Agent) forget(podID string, incarnation int64) {
	a.mu.Lock()
	if a.active[podID] == incarnation {
		delete(a.active, podID)
	}
	a.mu.Unlock()
}

// ReportCrash reports an unsolicited bundle exit for an active
// placement. The runtime calls it when a process dies without a Stop.
func (a *Agent) ReportCrash(podID string, cause error) {
	a.mu.Lock()
	incarnation, ok := a.active[podID]
	if ok {
		delete(a.active, podID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	reason := "bundle exited"
	if cause != nil {
		reason = cause.Error()
	}
	a.reportStatus(podID, incarnation, types.PodFailed, reason)
}

// reportStatus sends a lifecycle transition. Best effort; the server
// reconciles through heartbeats and the lease engine if a report is
// lost.
func (a *Agent) reportStatus(podID string, incarnation int64, status types.PodStatus, reason string) {
	update := session.PodStatusUpdate{
		PodID:       podID,
		Incarnation: incarnation,
		Status:      status,
		Reason:      reason,
	}
	if err := a.send(session.TypePodStatus, update, ""); err != nil {
		a.logger.Warn().Err(err).Str("pod_id", podID).
			Str("status", string(status)).Msg("status report not sent")
	}
}

// heartbeatLoop reports liveness until the connection dies.
func (a *Agent) heartbeatLoop(nodeID string, stop <-chan struct{}) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			pods := make([]string, 0, len(a.active))
			for id := range a.active {
				pods = append(pods, id)
			}
			a.mu.Unlock()

			req := session.HeartbeatRequest{
				NodeID:     nodeID,
				Timestamp:  time.Now(),
				ActivePods: pods,
			}
			if err := a.send(session.TypeNodeHeartbeat, req, uuid.New().String()); err != nil {
				a.logger.Warn().Err(err).Msg("heartbeat not sent")
			}
		case <-stop:
			return
		case <-a.stopCh:
			return
		}
	}
}

// teardownPlacements stops every local placement after a connection
// loss. The server revokes them on lease expiry anyway; keeping the
// bundles running would double-run them once replacements are placed.
func (a *Agent) teardownPlacements(ctx context.Context) {
	a.mu.Lock()
	pods := make([]string, 0, len(a.active))
	for id := range a.active {
		pods = append(pods, id)
	}
	a.active = make(map[string]int64)
	for corrID, ch := range a.waiters {
		delete(a.waiters, corrID)
		close(ch)
	}
	a.mu.Unlock()

	for _, podID := range pods {
		if err := a.runtime.Stop(ctx, podID); err != nil {
			a.logger.Warn().Err(err).Str("pod_id", podID).Msg("orphan teardown failed")
		}
	}
}

// Route resolves a target service through the arbiter, with sticky
// caching. A cached pod is reused until the TTL lapses or the caller
// invalidates it after a failed data channel.
func (a *Agent) Route(ctx context.Context, callerServiceID, targetServiceID string, nonSticky bool) (session.RouteResponse, error) {
	if !nonSticky {
		if resp, ok := a.routes.Get(targetServiceID); ok {
			return resp, nil
		}
	}

	corrID := uuid.New().String()
	ch := make(chan *session.Frame, 1)
	a.mu.Lock()
	a.waiters[corrID] = ch
	a.mu.Unlock()

	req := session.RouteRequest{
		CallerServiceID: callerServiceID,
		TargetServiceID: targetServiceID,
		NonSticky:       nonSticky,
	}
	if err := a.send(session.TypeRouteRequest, req, corrID); err != nil {
		a.mu.Lock()
		delete(a.waiters, corrID)
		a.mu.Unlock()
		return session.RouteResponse{}, err
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return session.RouteResponse{}, errdefs.BackendUnavailable(net.ErrClosed)
		}
		if strings.HasSuffix(f.Type, session.ErrorSuffix) {
			var ep session.ErrorPayload
			if err := session.DecodePayload(f, &ep); err != nil {
				return session.RouteResponse{}, err
			}
			return session.RouteResponse{}, errdefs.FromCode(ep.Code, ep.Message)
		}
		var resp session.RouteResponse
		if err := session.DecodePayload(f, &resp); err != nil {
			return session.RouteResponse{}, err
		}
		if !nonSticky {
			a.routes.Put(targetServiceID, resp)
		}
		return resp, nil
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.waiters, corrID)
		a.mu.Unlock()
		return session.RouteResponse{}, ctx.Err()
	case <-a.stopCh:
		return session.RouteResponse{}, errdefs.BackendUnavailable(net.ErrClosed)
	}
}

// InvalidateRoute drops the sticky route for a target after a failed
// data channel so the next call re-consults the arbiter.
func (a *Agent) InvalidateRoute(targetServiceID string) {
	a.routes.Invalidate(targetServiceID)
}

// send writes one frame; writes are serialized.
func (a *Agent) send(frameType string, payload any, correlationID string) error {
	raw, err := session.EncodePayload(payload)
	if err != nil {
		return err
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errdefs.BackendUnavailable(net.ErrClosed)
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return session.WriteFrame(conn, &session.Frame{
		Type:          frameType,
		Payload:       raw,
		CorrelationID: correlationID,
	})
}
