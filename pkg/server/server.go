package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/packdock/stevedore/pkg/auth"
	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/routing"
	"github.com/packdock/stevedore/pkg/session"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

// heartbeatAckDeadline bounds the heartbeat reply write so one stuck
// agent connection cannot pin a dispatch goroutine.
const heartbeatAckDeadline = 5 * time.Second

// Server owns the wire endpoint agents and pod runtimes connect to. It
// authenticates sessions, dispatches their frames, and pushes pod
// commands back out on behalf of the scheduler and the controller.
type Server struct {
	state      store.API
	tokens     *auth.TokenProvider
	joinTokens *auth.JoinTokens
	registry   *session.Registry
	arbiter    *routing.Arbiter
	groups     *routing.Groups
	logger     zerolog.Logger

	mu sync.Mutex
	ln net.Listener
}

// New assembles a server over the shared state surface.
func New(state store.API, tokens *auth.TokenProvider, joinTokens *auth.JoinTokens, arbiter *routing.Arbiter, groups *routing.Groups) *Server {
	return &Server{
		state:      state,
		tokens:     tokens,
		joinTokens: joinTokens,
		registry:   session.NewRegistry(),
		arbiter:    arbiter,
		groups:     groups,
		logger:     log.WithComponent("server"),
	}
}

// Registry exposes live sessions, used by tests and the drain path.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Serve accepts connections until the listener closes or the context
// ends. Each connection becomes one session with its own read loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening for agent sessions")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		sess := session.New(conn, s)
		s.track(sess)
		go sess.Run(ctx)
	}
}

// Shutdown closes the listener and every live session.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Unlock()
	s.registry.Each(func(sess *session.Session) { sess.Close() })
}

// track registers a live session and announces it on the event stream.
func (s *Server) track(sess *session.Session) {
	sess.OnClose(s.onSessionClose)
	s.registry.Add(sess)
	s.emitSessionEvent(events.EventSessionOpened, sess, "connection accepted")
}

// onSessionClose flushes everything keyed to a dying session: the node
// session binding, group memberships, and the registry entry.
func (s *Server) onSessionClose(sess *session.Session) {
	s.registry.Remove(sess)

	if nodeID := sess.NodeID(); nodeID != "" {
		if err := s.state.ClearNodeSession(nodeID, sess.ID); err != nil {
			s.logger.Debug().Err(err).Str("node_id", nodeID).
				Msg("session binding already superseded")
		}
	}
	if p := sess.Principal(); p != nil && p.Kind == types.PrincipalPodRuntime {
		s.groups.LeaveAll(p.PodID)
	}
	s.emitSessionEvent(events.EventSessionClosed, sess, "connection closed")
}

func (s *Server) emitSessionEvent(typ events.EventType, sess *session.Session, msg string) {
	broker := s.state.Broker()
	if broker == nil {
		return
	}
	broker.Publish(&events.Event{
		Type:         typ,
		ResourceType: "session",
		ResourceID:   sess.ID,
		ActorID:      sess.NodeID(),
		Message:      msg,
	})
}

// Assign pushes a placement to the agent owning the node. Implements
// the scheduler's assigner: a missing session is not an error, the
// lease engine reclaims the placement if the agent never returns.
func (s *Server) Assign(pod *types.Pod, nodeID string) {
	sess, ok := s.registry.ByNode(nodeID)
	if !ok {
		s.logger.Warn().Str("pod_id", pod.ID).Str("node_id", nodeID).
			Msg("bound node has no live session, assignment deferred")
		return
	}

	pack, err := s.state.GetPackVersion(pod.PackName, pod.PackVersion)
	if err != nil {
		s.logger.Error().Err(err).Str("pod_id", pod.ID).Msg("pack vanished after bind")
		return
	}

	runtimeToken, err := s.tokens.Issue(auth.Principal{
		ID:          pod.ID,
		Kind:        types.PrincipalPodRuntime,
		OwnerID:     pod.CreatedBy,
		PodID:       pod.ID,
		Incarnation: pod.Incarnation,
	}, 0)
	if err != nil {
		s.logger.Error().Err(err).Str("pod_id", pod.ID).Msg("mint runtime token")
		return
	}

	_, err = sess.Push(session.TypePodAssign, session.PodAssignment{
		PodID:        pod.ID,
		Incarnation:  pod.Incarnation,
		PackName:     pod.PackName,
		PackVersion:  pod.PackVersion,
		BundleRef:    pack.BundleRef,
		Namespace:    pod.Namespace,
		Limits:       pod.Limits,
		RuntimeToken: runtimeToken,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("pod_id", pod.ID).Msg("assignment push failed")
		return
	}
	s.logger.Info().Str("pod_id", pod.ID).Str("node_id", nodeID).
		Int64("incarnation", pod.Incarnation).Msg("pod assigned")
}

// Terminate pushes a stop command to the agent owning the pod's node.
// Implements the controller's commander.
func (s *Server) Terminate(pod *types.Pod, reason string) {
	sess, ok := s.registry.ByNode(pod.NodeID)
	if !ok {
		s.logger.Debug().Str("pod_id", pod.ID).Str("node_id", pod.NodeID).
			Msg("no live session for terminate, lease engine will reclaim")
		return
	}
	_, err := sess.Push(session.TypePodTerminate, session.PodTerminateRequest{
		PodID:       pod.ID,
		Incarnation: pod.Incarnation,
		Reason:      reason,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("pod_id", pod.ID).Msg("terminate push failed")
	}
}

// RevokeCredentials drops every runtime credential of a pod, wired to
// the lease engine's revocation callback.
func (s *Server) RevokeCredentials(podIDs []string) {
	for _, id := range podIDs {
		s.tokens.RevokePod(id)
	}
}
