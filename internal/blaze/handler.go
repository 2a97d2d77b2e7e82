package blaze

import (
	"context"
	"sync"

	"github.com/openspore-project/openspore/internal/tdf"
)

// Handler processes one decoded request. Handlers run on the session's
// read goroutine, so in-session dispatch order follows arrival order.
// Long work must return Deferred instead of blocking.
type Handler func(ctx context.Context, s *Session, req *tdf.Struct) Result

type resultKind uint8

const (
	resultResponse resultKind = iota
	resultFailure
	resultDeferred
)

// Notification is an unsolicited frame attached to a handler result.
// A nil Target broadcasts to the sessions subscribed to the component.
type Notification struct {
	Target    *Session
	Component uint16
	Command   uint16
	Body      *tdf.Struct
}

// Result is what a handler returns: a response body, a wire error code,
// or a deferred completion, optionally followed by notifications. The
// response frame is emitted first, then the notifications in order.
type Result struct {
	kind          resultKind
	body          *tdf.Struct
	code          uint16
	future        <-chan Result
	notifications []Notification
}

// Response builds a successful result. A nil body encodes as an empty
// struct.
func Response(body *tdf.Struct) Result {
	return Result{kind: resultResponse, body: body}
}

// Failure builds an error result carrying a wire error code. The body
// may be nil.
func Failure(code uint16, body *tdf.Struct) Result {
	return Result{kind: resultFailure, code: code, body: body}
}

// Deferred defers the response until the future delivers a completion
// result. The session emits nothing for this request until then; if the
// session closes first the completion is discarded.
func Deferred(future <-chan Result) Result {
	return Result{kind: resultDeferred, future: future}
}

// Notify appends a notification to the result. Notifications targeting
// the requesting session are emitted on its queue after the response.
func (r Result) Notify(target *Session, component, command uint16, body *tdf.Struct) Result {
	r.notifications = append(r.notifications, Notification{
		Target:    target,
		Component: component,
		Command:   command,
		Body:      body,
	})
	return r
}

// Broadcast appends a notification fanned out to every session
// subscribed to the component.
func (r Result) Broadcast(component, command uint16, body *tdf.Struct) Result {
	return r.Notify(nil, component, command, body)
}

type commandKey struct {
	component uint16
	command   uint16
}

// Registry maps (component, command) pairs to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[commandKey]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[commandKey]Handler)}
}

// Register binds a handler to a command. Registering the same pair
// twice returns ErrHandlerAlreadyRegistered.
func (r *Registry) Register(component, command uint16, h Handler) error {
	key := commandKey{component, command}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[key]; dup {
		return ErrHandlerAlreadyRegistered
	}
	r.handlers[key] = h
	return nil
}

// Replace binds a handler, overwriting any existing binding. Intended
// for tests and live reload paths where replacement is deliberate.
func (r *Registry) Replace(component, command uint16, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[commandKey{component, command}] = h
}

// Lookup resolves a handler for a command.
func (r *Registry) Lookup(component, command uint16) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[commandKey{component, command}]
	return h, ok
}
