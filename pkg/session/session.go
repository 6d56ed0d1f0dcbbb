package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/packdock/stevedore/pkg/auth"
	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/metrics"
)

// inboundQueueSize bounds per-session backpressure. When the queue is
// full new frames are dropped with a log line, never reordered.
const inboundQueueSize = 128

// Handler processes one inbound frame. Frames of a session are handled
// strictly in arrival order.
type Handler interface {
	HandleFrame(ctx context.Context, s *Session, f *Frame)
}

// Session is one live agent or pod-runtime connection. Reads and writes
// are decoupled so a slow consumer cannot deadlock heartbeats; writes
// are serialized through a mutex.
type Session struct {
	ID string

	conn    net.Conn
	handler Handler
	logger  zerolog.Logger

	inbound chan *Frame

	writeMu sync.Mutex

	mu        sync.RWMutex
	principal *auth.Principal
	nodeID    string

	closeOnce sync.Once
	closed    chan struct{}
	onClose   []func(*Session)
}

// New wraps a connection into a session. Run must be called to start
// the read and dispatch loops.
func New(conn net.Conn, handler Handler) *Session {
	id := uuid.New().String()
	return &Session{
		ID:      id,
		conn:    conn,
		handler: handler,
		logger:  log.WithSessionID(id),
		inbound: make(chan *Frame, inboundQueueSize),
		closed:  make(chan struct{}),
	}
}

// OnClose registers a hook invoked exactly once when the session ends.
// The lease engine and the routing arbiter attach here.
func (s *Session) OnClose(fn func(*Session)) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Run reads frames until the connection drops, dispatching them in
// order. It returns after close hooks have fired.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.Close()

	go s.dispatch(ctx)

	for {
		f, err := ReadFrame(s.conn)
		if err != nil {
			s.logger.Debug().Err(err).Msg("session read ended")
			return
		}
		metrics.FramesReceived.WithLabelValues(f.Type).Inc()

		select {
		case s.inbound <- f:
		default:
			metrics.FramesDropped.Inc()
			s.logger.Warn().Str("frame_type", f.Type).
				Msg("inbound queue full, dropping frame")
		}
	}
}

func (s *Session) dispatch(ctx context.Context) {
	for {
		select {
		case f := <-s.inbound:
			s.handler.HandleFrame(ctx, s, f)
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

// Send writes a frame with a typed payload. Safe for concurrent use.
func (s *Session) Send(frameType string, payload any, correlationID string) error {
	raw, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	return s.SendFrame(&Frame{Type: frameType, Payload: raw, CorrelationID: correlationID})
}

// SendFrame writes a raw frame. Safe for concurrent use.
func (s *Session) SendFrame(f *Frame) error {
	select {
	case <-s.closed:
		return errdefs.BackendUnavailable(net.ErrClosed)
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(s.conn, f)
}

// Push sends an unsolicited server frame with a generated correlation
// id, returned so the reply can be matched.
func (s *Session) Push(frameType string, payload any) (string, error) {
	correlationID := uuid.New().String()
	if err := s.Send(frameType, payload, correlationID); err != nil {
		return "", err
	}
	return correlationID, nil
}

// SendError replies to a frame with the classified error.
func (s *Session) SendError(f *Frame, err error) {
	payload := ErrorPayload{Code: errdefs.Code(err), Message: err.Error()}
	if sendErr := s.Send(ErrorType(f.Type), payload, f.CorrelationID); sendErr != nil {
		s.logger.Debug().Err(sendErr).Msg("error reply not delivered")
	}
}

// BindPrincipal records the authenticated identity after the first
// frame. A session binds exactly once.
func (s *Session) BindPrincipal(p *auth.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.principal != nil {
		return errdefs.Conflict("session already authenticated")
	}
	s.principal = p
	s.logger = s.logger.With().Str("principal", p.ID).Logger()
	metrics.SessionsActive.WithLabelValues(string(p.Kind)).Inc()
	return nil
}

// Principal returns the bound identity, or nil before authentication.
func (s *Session) Principal() *auth.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

// BindNode pins the node that registered through this session. Agent
// sessions may only operate on that node.
func (s *Session) BindNode(nodeID string) {
	s.mu.Lock()
	s.nodeID = nodeID
	s.mu.Unlock()
}

// NodeID returns the node bound to this session, if any.
func (s *Session) NodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeID
}

// SetWriteDeadline bounds the next write, used for heartbeat replies.
func (s *Session) SetWriteDeadline(d time.Duration) error {
	return s.conn.SetWriteDeadline(time.Now().Add(d))
}

// Close tears the session down and fires the close hooks once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()

		s.mu.RLock()
		hooks := append([]func(*Session){}, s.onClose...)
		principal := s.principal
		s.mu.RUnlock()

		if principal != nil {
			metrics.SessionsActive.WithLabelValues(string(principal.Kind)).Dec()
		}
		for _, fn := range hooks {
			fn(s)
		}
		s.logger.Debug().Msg("session closed")
	})
}

// Done reports session termination to waiters.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
