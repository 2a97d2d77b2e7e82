package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HandlerFunc consumes one event. Errors are logged, never propagated
// to the emitter.
type HandlerFunc func(ctx context.Context, event Event) error

// subscriber pairs a handler with the name it registered under, so log
// lines and Unsubscribe can address it.
type subscriber struct {
	name string
	fn   HandlerFunc
}

// EventBus decouples the blaze server, the telemetry publisher and the
// operator surfaces: emitters never hold references to the subsystems
// observing them. Handlers run asynchronously; an emitter is never
// blocked or crashed by a subscriber.
type EventBus struct {
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers map[EventType][]subscriber
	stopCh      chan struct{}
	stopped     bool
	wg          sync.WaitGroup
}

// NewEventBus returns an empty bus ready for Subscribe and Emit.
func NewEventBus() *EventBus {
	return &EventBus{
		logger:      log.With().Str("component", "events").Logger(),
		subscribers: make(map[EventType][]subscriber),
		stopCh:      make(chan struct{}),
	}
}

// Subscribe registers a named handler for one event type. The name
// shows up in log lines and is the key Unsubscribe matches on.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber{name: name, fn: handler})

	eb.logger.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed")
}

// Unsubscribe removes every handler registered under the name for the
// event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, ok := eb.subscribers[eventType]
	if !ok {
		return
	}

	kept := subs[:0]
	for _, sub := range subs {
		if sub.name != name {
			kept = append(kept, sub)
		}
	}
	eb.subscribers[eventType] = kept

	eb.logger.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed")
}

// invoke runs one handler with panic containment. A panicking or
// failing subscriber is logged and otherwise ignored.
func (eb *EventBus) invoke(ctx context.Context, event Event, sub subscriber) error {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := sub.fn(ctx, event); err != nil {
		eb.logger.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", sub.name).
			Msg("handler failed")
		return err
	}
	return nil
}

// Emit fans the event out to its subscribers, one goroutine each.
// Returns immediately; events offered after Stop are dropped.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	subs := eb.subscribers[event.Type]
	if len(subs) == 0 {
		return
	}

	eb.logger.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emit")

	for _, sub := range subs {
		eb.wg.Add(1)
		go func(sub subscriber) {
			defer eb.wg.Done()
			eb.invoke(ctx, event, sub)
		}(sub)
	}
}

// EmitSync fans the event out and waits for every handler. The first
// handler error is returned; the rest are only logged.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	subs := make([]subscriber, len(eb.subscribers[event.Type]))
	copy(subs, eb.subscribers[event.Type])
	eb.mu.RUnlock()

	var firstErr error
	var errOnce sync.Once
	var wg sync.WaitGroup

	for _, sub := range subs {
		wg.Add(1)
		go func(sub subscriber) {
			defer wg.Done()
			if err := eb.invoke(ctx, event, sub); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}(sub)
	}

	wg.Wait()
	return firstErr
}

// Stop rejects further events and waits for in-flight handlers.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	eb.logger.Info().Msg("event bus stopped")
}

// StopCh is closed when the bus stops.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns how many handlers an event type has.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers[eventType])
}
