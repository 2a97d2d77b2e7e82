package blaze

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/network"
	"github.com/openspore-project/openspore/internal/tdf"
)

// DefaultMaxSessions caps concurrently open sessions across all
// endpoints.
const DefaultMaxSessions = 8192

// Endpoint is one TCP listener. An empty Components list serves every
// component; otherwise requests outside the list are refused with
// CodeUnsupportedComponent.
type Endpoint struct {
	Name       string
	Addr       string
	Components []uint16
}

// ServerConfig carries the acceptor limits.
type ServerConfig struct {
	Endpoints     []Endpoint
	MaxFrameBytes uint32
	MaxSessions   int

	// RequestTimeout is the default deadline for server-initiated
	// requests when the caller passes none.
	RequestTimeout time.Duration
}

func (c *ServerConfig) withDefaults() ServerConfig {
	out := *c
	if out.MaxFrameBytes == 0 {
		out.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if out.MaxSessions == 0 {
		out.MaxSessions = DefaultMaxSessions
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	return out
}

// SessionInfo is a point-in-time snapshot of one session, used by the
// status API and the CLI.
type SessionInfo struct {
	ID            uint64
	RemoteAddr    string
	Endpoint      string
	State         string
	Subscriptions []string
	LastActivity  time.Time
}

// Server owns the TCP listeners, the session table and the
// notification subscription index.
type Server struct {
	cfg    ServerConfig
	reg    *Registry
	bus    *events.EventBus
	logger zerolog.Logger

	nextSessionID atomic.Uint64

	mu        sync.RWMutex
	sessions  map[uint64]*Session
	subs      map[uint16]map[uint64]*Session
	listeners []net.Listener
	bound     map[string]string
	closed    bool

	wg sync.WaitGroup
}

// NewServer builds a server around a handler registry. The event bus
// is optional.
func NewServer(cfg ServerConfig, reg *Registry, bus *events.EventBus, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		reg:      reg,
		bus:      bus,
		logger:   logger.With().Str("component", "blaze").Logger(),
		sessions: make(map[uint64]*Session),
		subs:     make(map[uint16]map[uint64]*Session),
		bound:    make(map[string]string),
	}
}

// Start opens every configured endpoint and accepts until ctx is
// cancelled, then performs a graceful shutdown.
func (srv *Server) Start(ctx context.Context) error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return ErrServerClosed
	}
	lc := network.ReuseAddrListenConfig()
	for _, ep := range srv.cfg.Endpoints {
		ln, err := lc.Listen(ctx, "tcp", ep.Addr)
		if err != nil {
			for _, open := range srv.listeners {
				open.Close()
			}
			srv.listeners = nil
			srv.mu.Unlock()
			return err
		}
		srv.listeners = append(srv.listeners, ln)
		srv.bound[ep.Name] = ln.Addr().String()
		srv.logger.Info().
			Str("endpoint", ep.Name).
			Str("addr", ln.Addr().String()).
			Int("components", len(ep.Components)).
			Msg("listening")

		srv.wg.Add(1)
		go srv.acceptLoop(ctx, ep, ln)
	}
	srv.mu.Unlock()

	<-ctx.Done()
	srv.Shutdown(5 * time.Second)
	return nil
}

func (srv *Server) acceptLoop(ctx context.Context, ep Endpoint, ln net.Listener) {
	defer srv.wg.Done()

	var allowed map[uint16]struct{}
	if len(ep.Components) > 0 {
		allowed = make(map[uint16]struct{}, len(ep.Components))
		for _, c := range ep.Components {
			allowed[c] = struct{}{}
		}
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			srv.logger.Warn().Err(err).Str("endpoint", ep.Name).Msg("accept failed")
			continue
		}

		s, err := srv.attach(conn, ep, allowed)
		if err != nil {
			srv.logger.Warn().
				Err(err).
				Str("remote", conn.RemoteAddr().String()).
				Msg("connection refused")
			conn.Close()
			continue
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			s.run(ctx)
		}()
	}
}

func (srv *Server) attach(conn net.Conn, ep Endpoint, allowed map[uint16]struct{}) (*Session, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return nil, ErrServerClosed
	}
	if len(srv.sessions) >= srv.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}

	id := srv.nextSessionID.Add(1)
	s := newSession(id, conn, srv, srv.reg, srv.cfg.MaxFrameBytes, srv.logger)
	s.allowed = allowed
	s.endpoint = ep.Name
	s.requestTimeout = srv.cfg.RequestTimeout
	srv.sessions[id] = s

	srv.logger.Info().
		Uint64("session", id).
		Str("endpoint", ep.Name).
		Str("remote", conn.RemoteAddr().String()).
		Msg("session opened")
	srv.emit(events.EventSessionOpened, events.SessionPayload{
		SessionID:  id,
		RemoteAddr: conn.RemoteAddr().String(),
		Endpoint:   ep.Name,
	})
	return s, nil
}

// detach is called from Session.Close.
func (srv *Server) detach(s *Session) {
	srv.mu.Lock()
	delete(srv.sessions, s.id)
	for _, set := range srv.subs {
		delete(set, s.id)
	}
	srv.mu.Unlock()

	srv.emit(events.EventSessionClosed, events.SessionPayload{
		SessionID:  s.id,
		RemoteAddr: s.conn.RemoteAddr().String(),
		Endpoint:   s.endpoint,
	})
}

func (srv *Server) subscribe(component uint16, s *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	set, ok := srv.subs[component]
	if !ok {
		set = make(map[uint64]*Session)
		srv.subs[component] = set
	}
	set[s.id] = s
}

func (srv *Server) unsubscribe(component uint16, s *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if set, ok := srv.subs[component]; ok {
		delete(set, s.id)
	}
}

// broadcast fans a notification frame out to every subscriber of its
// component. Sessions with a full queue are skipped rather than
// stalled.
func (srv *Server) broadcast(f Frame) {
	srv.mu.RLock()
	set := srv.subs[f.Component]
	targets := make([]*Session, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	srv.mu.RUnlock()

	// Stable delivery order across the fan-out.
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, s := range targets {
		if err := s.TrySend(f); err != nil {
			s.logger.Warn().
				Err(err).
				Str("component", ComponentName(f.Component)).
				Uint16("command", f.Command).
				Msg("broadcast dropped")
		}
	}
}

// Broadcast sends a notification to every session subscribed to the
// component.
func (srv *Server) Broadcast(component, command uint16, body *tdf.Struct) {
	srv.broadcast(Frame{
		Component: component,
		Command:   command,
		Kind:      KindNotification,
		Payload:   encodeBody(body),
	})
}

func (srv *Server) frameRejected(s *Session, err error) {
	srv.emit(events.EventFrameRejected, events.FrameRejectedPayload{
		SessionID:  s.id,
		RemoteAddr: s.conn.RemoteAddr().String(),
		Reason:     err.Error(),
	})
}

func (srv *Server) emit(t events.EventType, payload interface{}) {
	if srv.bus == nil {
		return
	}
	srv.bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "blaze",
		Payload: payload,
	})
}

// Addr returns the bound address of a named endpoint, empty before
// Start.
func (srv *Server) Addr(endpoint string) string {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return srv.bound[endpoint]
}

// Session looks up an open session by id.
func (srv *Server) Session(id uint64) (*Session, bool) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	s, ok := srv.sessions[id]
	return s, ok
}

// SessionCount returns the number of open sessions.
func (srv *Server) SessionCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}

// Sessions snapshots every open session, ordered by id.
func (srv *Server) Sessions() []SessionInfo {
	srv.mu.RLock()
	list := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		list = append(list, s)
	}
	srv.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		subs := s.Subscriptions()
		names := make([]string, 0, len(subs))
		for _, c := range subs {
			names = append(names, ComponentName(c))
		}
		sort.Strings(names)
		out = append(out, SessionInfo{
			ID:            s.id,
			RemoteAddr:    s.conn.RemoteAddr().String(),
			Endpoint:      s.endpoint,
			State:         s.State().String(),
			Subscriptions: names,
			LastActivity:  s.LastActivity(),
		})
	}
	return out
}

// CloseIdle closes sessions whose last activity is older than the
// cutoff. Returns how many were closed.
func (srv *Server) CloseIdle(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	srv.mu.RLock()
	var stale []*Session
	for _, s := range srv.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	srv.mu.RUnlock()

	for _, s := range stale {
		s.logger.Info().Msg("closing idle session")
		s.Close()
	}
	return len(stale)
}

// Shutdown stops accepting, announces the drain to connected sessions
// and force-closes whatever remains after the grace period. Safe to
// call more than once.
func (srv *Server) Shutdown(grace time.Duration) {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return
	}
	srv.closed = true
	listeners := srv.listeners
	srv.listeners = nil
	open := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		open = append(open, s)
	}
	srv.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}

	if len(open) > 0 {
		srv.logger.Info().Int("sessions", len(open)).Dur("grace", grace).Msg("draining sessions")
		drain := Frame{
			Component: ComponentUserSessions,
			Command:   CommandNotifyDrain,
			Kind:      KindNotification,
			Payload:   encodeBody(nil),
		}
		for _, s := range open {
			s.StartDraining()
			if err := s.TrySend(drain); err != nil {
				s.logger.Debug().Err(err).Msg("drain notice not sent")
			}
		}

		deadline := time.After(grace)
		tick := time.NewTicker(50 * time.Millisecond)
	wait:
		for {
			select {
			case <-deadline:
				break wait
			case <-tick.C:
				if srv.SessionCount() == 0 {
					break wait
				}
			}
		}
		tick.Stop()

		for _, s := range open {
			s.Close()
		}
	}

	srv.wg.Wait()
	srv.logger.Info().Msg("server stopped")
}
