package blaze

import "errors"

// Wire-level error codes carried in the frame header's error field.
const (
	CodeOK                   uint16 = 0x0000
	CodeCommandNotFound      uint16 = 0x4001
	CodeUnsupportedComponent uint16 = 0x4002
	CodeTimeout              uint16 = 0x4003
	CodeInternal             uint16 = 0x4004
	CodeAuthenticationFailed uint16 = 0x4005
	CodeNotSubscribed        uint16 = 0x4006
	CodeNotFound             uint16 = 0x4007
	CodeAlreadyExists        uint16 = 0x4008
	CodeInvalidArgument      uint16 = 0x4009
)

var (
	// ErrSessionClosed is delivered to every pending request sink when
	// its session closes, and returned by Send on a closed session.
	ErrSessionClosed = errors.New("blaze: session closed")

	// ErrTimeout is delivered to a pending request sink when its
	// deadline passes before a response arrives.
	ErrTimeout = errors.New("blaze: request timed out")

	// ErrBackpressureExceeded is returned by TrySend when the outbound
	// queue is full.
	ErrBackpressureExceeded = errors.New("blaze: outbound queue full")

	// ErrTooManySessions is returned by the acceptor when the open
	// session cap is reached.
	ErrTooManySessions = errors.New("blaze: session limit reached")

	// ErrHandlerAlreadyRegistered is returned by Register when the
	// (component, command) pair already has a handler.
	ErrHandlerAlreadyRegistered = errors.New("blaze: handler already registered")

	// ErrServerClosed is returned by Start after Shutdown.
	ErrServerClosed = errors.New("blaze: server closed")
)
