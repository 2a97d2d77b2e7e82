package blaze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openspore-project/openspore/internal/tdf"
)

// outboundQueueCap bounds the per-session outbound frame queue. Send
// blocks when the queue is full; TrySend rejects instead.
const outboundQueueCap = 1024

// DefaultRequestTimeout is the pending-response deadline used when a
// caller passes no explicit timeout.
const DefaultRequestTimeout = 10 * time.Second

// SessionState tracks the session lifecycle.
type SessionState int32

const (
	StateOpen SessionState = iota
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reply is delivered on the sink returned by SendRequest: either a
// decoded response frame or a terminal error.
type Reply struct {
	Frame Frame
	Body  *tdf.Struct
	Err   error
}

type pendingResponse struct {
	sink  chan Reply
	timer *time.Timer
}

// Session is one framed connection. The read goroutine decodes frames
// and runs handlers inline; a companion goroutine drains the outbound
// queue, so responses and notifications never interleave mid-frame.
type Session struct {
	id      uint64
	conn    net.Conn
	server  *Server
	reg     *Registry
	logger  zerolog.Logger
	maxWire uint32

	// endpoint names the listener that accepted this session.
	endpoint string

	// allowed restricts which components this endpoint serves. Nil
	// means unrestricted.
	allowed map[uint16]struct{}

	// requestTimeout is the deadline applied when SendRequest gets a
	// non-positive timeout.
	requestTimeout time.Duration

	outbound chan Frame
	closed   chan struct{}

	// stopping asks the write loop to flush the queue and then close
	// the session, so a final error frame reaches the peer.
	stopping chan struct{}

	closeOnce sync.Once
	stopOnce  sync.Once

	mu           sync.Mutex
	state        SessionState
	nextMsgID    uint32
	pending      map[uint32]*pendingResponse
	subs         map[uint16]struct{}
	lastActivity time.Time

	// onNotification receives peer-initiated notification frames.
	// Used by the client; server sessions leave it nil and drop them.
	onNotification func(Frame, *tdf.Struct)
}

func newSession(id uint64, conn net.Conn, srv *Server, reg *Registry, maxWire uint32, logger zerolog.Logger) *Session {
	return &Session{
		id:             id,
		conn:           conn,
		server:         srv,
		reg:            reg,
		logger:         logger.With().Uint64("session", id).Str("remote", conn.RemoteAddr().String()).Logger(),
		maxWire:        maxWire,
		requestTimeout: DefaultRequestTimeout,
		outbound:       make(chan Frame, outboundQueueCap),
		closed:         make(chan struct{}),
		stopping:       make(chan struct{}),
		pending:        make(map[uint32]*pendingResponse),
		subs:           make(map[uint16]struct{}),
		lastActivity:   time.Now(),
	}
}

// ID returns the server-assigned session identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when the session last read or wrote a frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// run drives the session until the connection drops or Close is
// called. It blocks the caller for the session's lifetime.
func (s *Session) run(ctx context.Context) {
	go s.writeLoop()
	s.readLoop(ctx)
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		f, err := ReadFrame(s.conn, s.maxWire)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Debug().Msg("peer closed connection")
			} else if s.State() != StateClosed {
				s.logger.Warn().Err(err).Msg("dropping session on read error")
				if s.server != nil {
					s.server.frameRejected(s, err)
				}
			}
			s.Close()
			return
		}
		s.touch()

		if s.allowed != nil {
			if _, ok := s.allowed[f.Component]; !ok && f.Kind == KindRequest {
				s.logger.Warn().
					Str("component", ComponentName(f.Component)).
					Msg("component not served on this endpoint")
				s.sendError(f, CodeUnsupportedComponent)
				continue
			}
		}

		if s.handleFrame(ctx, f) {
			// Malformed traffic. The write loop flushes the error
			// frame already queued, then closes the connection.
			s.beginClose()
			return
		}
	}
}

// handleFrame processes one inbound frame. It reports whether the
// frame was malformed; a peer that sends undecodable payloads loses
// the connection rather than a single exchange.
func (s *Session) handleFrame(ctx context.Context, f Frame) bool {
	switch f.Kind {
	case KindPing:
		// Answered here, never routed to a handler.
		s.enqueue(Frame{Kind: KindPong, MsgID: f.MsgID, Payload: encodeBody(nil)})
	case KindPong:
		s.logger.Trace().Uint32("msgId", f.MsgID).Msg("pong")
	case KindResponse, KindError:
		return s.handleReply(f)
	case KindNotification:
		return s.handleNotification(f)
	case KindRequest:
		return s.dispatch(ctx, f)
	}
	return false
}

func (s *Session) handleReply(f Frame) bool {
	s.mu.Lock()
	p, ok := s.pending[f.MsgID]
	if ok {
		delete(s.pending, f.MsgID)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug().Uint32("msgId", f.MsgID).Msg("reply for unknown request, dropping")
		return false
	}
	p.timer.Stop()

	reply := Reply{Frame: f}
	malformed := false
	if f.Kind == KindError {
		reply.Err = fmt.Errorf("blaze: remote error 0x%04X", f.ErrorCode)
	}
	if len(f.Payload) > 0 {
		body, err := tdf.Unmarshal(f.Payload)
		if err != nil {
			reply.Err = fmt.Errorf("blaze: decode reply: %w", err)
			malformed = true
		} else {
			reply.Body = body
		}
	}
	p.sink <- reply
	close(p.sink)
	return malformed
}

func (s *Session) handleNotification(f Frame) bool {
	body, err := tdf.Unmarshal(f.Payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed notification payload")
		return true
	}
	if s.onNotification == nil {
		s.logger.Debug().
			Str("component", ComponentName(f.Component)).
			Uint16("command", f.Command).
			Msg("unsolicited notification, dropping")
		return false
	}
	s.onNotification(f, body)
	return false
}

func (s *Session) dispatch(ctx context.Context, f Frame) bool {
	req, err := tdf.Unmarshal(f.Payload)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("component", ComponentName(f.Component)).
			Uint16("command", f.Command).
			Msg("malformed request payload")
		if s.server != nil {
			s.server.frameRejected(s, err)
		}
		s.sendError(f, CodeInvalidArgument)
		return true
	}

	h, ok := s.reg.Lookup(f.Component, f.Command)
	if !ok {
		s.logger.Warn().
			Str("component", ComponentName(f.Component)).
			Uint16("command", f.Command).
			Msg("no handler for command")
		s.sendError(f, CodeCommandNotFound)
		return false
	}

	s.emitResult(f, h(ctx, s, req))
	return false
}

// emitResult turns a handler result into outbound frames: the response
// first, then the attached notifications in order.
func (s *Session) emitResult(req Frame, r Result) {
	switch r.kind {
	case resultResponse:
		s.enqueue(Frame{
			Component: req.Component,
			Command:   req.Command,
			Kind:      KindResponse,
			MsgID:     req.MsgID,
			Payload:   encodeBody(r.body),
		})
	case resultFailure:
		s.enqueue(Frame{
			Component: req.Component,
			Command:   req.Command,
			ErrorCode: r.code,
			Kind:      KindError,
			MsgID:     req.MsgID,
			Payload:   encodeBody(r.body),
		})
	case resultDeferred:
		go s.awaitDeferred(req, r.future)
		return
	}

	for _, n := range r.notifications {
		s.deliverNotification(n)
	}
}

func (s *Session) awaitDeferred(req Frame, future <-chan Result) {
	select {
	case r, ok := <-future:
		if !ok {
			s.logger.Warn().Uint32("msgId", req.MsgID).Msg("deferred result channel closed without completion")
			s.sendError(req, CodeInternal)
			return
		}
		if r.kind == resultDeferred {
			s.logger.Error().Uint32("msgId", req.MsgID).Msg("deferred completion may not defer again")
			s.sendError(req, CodeInternal)
			return
		}
		s.emitResult(req, r)
	case <-s.closed:
	}
}

func (s *Session) deliverNotification(n Notification) {
	f := Frame{
		Component: n.Component,
		Command:   n.Command,
		Kind:      KindNotification,
		Payload:   encodeBody(n.Body),
	}
	if n.Target != nil {
		if err := n.Target.TrySend(f); err != nil {
			n.Target.logger.Warn().
				Err(err).
				Str("component", ComponentName(n.Component)).
				Msg("notification dropped")
		}
		return
	}
	if s.server != nil {
		s.server.broadcast(f)
	}
}

func (s *Session) sendError(req Frame, code uint16) {
	s.enqueue(Frame{
		Component: req.Component,
		Command:   req.Command,
		ErrorCode: code,
		Kind:      KindError,
		MsgID:     req.MsgID,
		Payload:   encodeBody(nil),
	})
}

// enqueue is the internal blocking send used by the read loop and the
// protocol machinery itself. Frames offered after close are dropped.
func (s *Session) enqueue(f Frame) {
	select {
	case s.outbound <- f:
	case <-s.closed:
	}
}

// Send queues a frame, blocking while the outbound queue is full.
// Returns ErrSessionClosed once the session has closed.
func (s *Session) Send(f Frame) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- f:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// TrySend queues a frame without blocking. Returns
// ErrBackpressureExceeded when the queue is full, so slow consumers
// shed broadcast traffic instead of stalling the producer.
func (s *Session) TrySend(f Frame) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- f:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return ErrBackpressureExceeded
	}
}

// SendRequest sends a request frame and registers a reply sink with a
// deadline. Exactly one Reply is delivered: the response, ErrTimeout,
// or ErrSessionClosed. On timeout a best-effort CancelRequest
// notification is sent to the peer. A non-positive timeout uses the
// session's configured default.
func (s *Session) SendRequest(component, command uint16, body *tdf.Struct, timeout time.Duration) (<-chan Reply, error) {
	if timeout <= 0 {
		timeout = s.requestTimeout
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.nextMsgID++
	id := s.nextMsgID
	sink := make(chan Reply, 1)
	p := &pendingResponse{sink: sink}
	p.timer = time.AfterFunc(timeout, func() { s.expireRequest(id, component, command) })
	s.pending[id] = p
	s.mu.Unlock()

	err := s.Send(Frame{
		Component: component,
		Command:   command,
		Kind:      KindRequest,
		MsgID:     id,
		Payload:   encodeBody(body),
	})
	if err != nil {
		s.failPending(id, err)
		return nil, err
	}
	return sink, nil
}

func (s *Session) expireRequest(id uint32, component, command uint16) {
	if !s.failPending(id, ErrTimeout) {
		return
	}
	cancel := Frame{
		Component: component,
		Command:   CommandCancelRequest,
		Kind:      KindNotification,
		MsgID:     id,
		Payload:   encodeBody(nil),
	}
	if err := s.TrySend(cancel); err != nil {
		s.logger.Debug().Err(err).Uint32("msgId", id).Msg("cancel notification not sent")
	}
}

// failPending completes one pending request with an error. Reports
// whether the request was still outstanding.
func (s *Session) failPending(id uint32, err error) bool {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.sink <- Reply{Err: err}
	close(p.sink)
	return true
}

// Subscribe registers the session for notifications of a component.
func (s *Session) Subscribe(component uint16) {
	s.mu.Lock()
	s.subs[component] = struct{}{}
	s.mu.Unlock()
	if s.server != nil {
		s.server.subscribe(component, s)
	}
	s.logger.Debug().Str("component", ComponentName(component)).Msg("subscribed")
}

// Unsubscribe removes a component subscription.
func (s *Session) Unsubscribe(component uint16) {
	s.mu.Lock()
	delete(s.subs, component)
	s.mu.Unlock()
	if s.server != nil {
		s.server.unsubscribe(component, s)
	}
}

// IsSubscribed reports whether the session subscribed to a component.
func (s *Session) IsSubscribed(component uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[component]
	return ok
}

// Subscriptions returns the subscribed component ids.
func (s *Session) Subscriptions() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, 0, len(s.subs))
	for c := range s.subs {
		out = append(out, c)
	}
	return out
}

// StartDraining marks the session as draining. Queued frames still
// flush; new requests are answered but the peer is expected to
// disconnect soon.
func (s *Session) StartDraining() {
	s.mu.Lock()
	if s.state == StateOpen {
		s.state = StateDraining
	}
	s.mu.Unlock()
}

// beginClose schedules a close that lets the write loop flush the
// outbound queue first, so a final error frame reaches the peer.
func (s *Session) beginClose() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

// Close tears the session down: pending requests complete with
// ErrSessionClosed, the connection closes and both loops exit.
// Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		stale := s.pending
		s.pending = make(map[uint32]*pendingResponse)
		s.mu.Unlock()

		close(s.closed)
		s.conn.Close()

		for _, p := range stale {
			p.timer.Stop()
			p.sink <- Reply{Err: ErrSessionClosed}
			close(p.sink)
		}

		if s.server != nil {
			s.server.detach(s)
		}
		s.logger.Debug().Msg("session closed")
	})
}

func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.outbound:
			if err := WriteFrame(s.conn, f); err != nil {
				if s.State() != StateClosed {
					s.logger.Warn().Err(err).Msg("dropping session on write error")
				}
				s.Close()
				return
			}
			s.touch()
		case <-s.stopping:
			// Flush the queue while the connection is still up, then
			// tear the session down.
			for {
				select {
				case f := <-s.outbound:
					if WriteFrame(s.conn, f) != nil {
						s.Close()
						return
					}
				default:
					s.Close()
					return
				}
			}
		case <-s.closed:
			// Flush whatever was queued before close.
			for {
				select {
				case f := <-s.outbound:
					if WriteFrame(s.conn, f) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func encodeBody(body *tdf.Struct) []byte {
	if body == nil {
		return tdf.Marshal(tdf.NewStruct())
	}
	return tdf.Marshal(body)
}
