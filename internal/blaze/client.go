package blaze

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openspore-project/openspore/internal/tdf"
)

const (
	clientConnectTimeout    = 30 * time.Second
	clientKeepAliveInterval = 15 * time.Second
)

// NotificationHandler receives server-initiated notification frames on
// a client connection.
type NotificationHandler func(f Frame, body *tdf.Struct)

// Client is the initiating side of a framed connection. It is used by
// game clients following a redirector answer and by the test harness.
type Client struct {
	addr    string
	logger  zerolog.Logger
	maxWire uint32
	timeout time.Duration

	onNotification NotificationHandler

	mu      sync.Mutex
	session *Session
	stopCh  chan struct{}
}

// ClientOption tweaks client construction.
type ClientOption func(*Client)

// WithNotificationHandler installs a callback for server-initiated
// notifications.
func WithNotificationHandler(h NotificationHandler) ClientOption {
	return func(c *Client) { c.onNotification = h }
}

// WithRequestTimeout overrides the default per-request deadline.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithMaxFrameBytes overrides the inbound payload cap.
func WithMaxFrameBytes(n uint32) ClientOption {
	return func(c *Client) { c.maxWire = n }
}

// NewClient builds a client for the given address. Dial must be called
// before any request.
func NewClient(addr string, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		addr:    addr,
		logger:  logger.With().Str("component", "blaze-client").Str("addr", addr).Logger(),
		maxWire: DefaultMaxFrameBytes,
		timeout: DefaultRequestTimeout,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects and starts the session loops plus a keepalive ticker.
func (c *Client) Dial(ctx context.Context) error {
	dialer := net.Dialer{Timeout: clientConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("blaze: dial %s: %w", c.addr, err)
	}

	s := newSession(0, conn, nil, NewRegistry(), c.maxWire, c.logger)
	s.onNotification = c.onNotification

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	go s.run(ctx)
	go c.keepAlive(ctx, s)

	c.logger.Info().Msg("connected")
	return nil
}

func (c *Client) keepAlive(ctx context.Context, s *Session) {
	ticker := time.NewTicker(clientKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.TrySend(Frame{Kind: KindPing, Payload: encodeBody(nil)}); err != nil {
				c.logger.Warn().Err(err).Msg("keepalive not sent")
				return
			}
			c.logger.Trace().Msg("keepalive sent")
		}
	}
}

// Call sends a request and waits for the matching reply. The context
// bounds the wait on top of the session's own request deadline.
func (c *Client) Call(ctx context.Context, component, command uint16, body *tdf.Struct) (*tdf.Struct, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil, fmt.Errorf("blaze: not connected")
	}

	sink, err := s.SendRequest(component, command, body, c.timeout)
	if err != nil {
		return nil, err
	}

	select {
	case reply := <-sink:
		if reply.Err != nil {
			return reply.Body, reply.Err
		}
		return reply.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Session exposes the underlying session for subscription management.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// IsConnected reports whether the session is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	return s != nil && s.State() != StateClosed
}

// Close tears the connection down.
func (c *Client) Close() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.mu.Unlock()

	if s != nil {
		s.Close()
	}
	c.logger.Info().Msg("disconnected")
}
