package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan Event, 1)
	bus.Subscribe(EventSessionOpened, "test", func(ctx context.Context, event Event) error {
		got <- event
		return nil
	})

	bus.Emit(context.Background(), Event{
		Type:    EventSessionOpened,
		Source:  "test",
		Payload: SessionPayload{SessionID: 7},
	})

	select {
	case event := <-got:
		p, ok := event.Payload.(SessionPayload)
		if !ok || p.SessionID != 7 {
			t.Fatalf("payload = %#v, want SessionPayload{SessionID: 7}", event.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestEmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventGameCreated, "failing", func(ctx context.Context, event Event) error {
		return boom
	})
	bus.Subscribe(EventGameCreated, "fine", func(ctx context.Context, event Event) error {
		return nil
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventGameCreated})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int64
	bus.Subscribe(EventRoomJoined, "counter", func(ctx context.Context, event Event) error {
		calls.Add(1)
		return nil
	})
	if got := bus.HandlerCount(EventRoomJoined); got != 1 {
		t.Fatalf("HandlerCount = %d, want 1", got)
	}

	bus.Unsubscribe(EventRoomJoined, "counter")
	if got := bus.HandlerCount(EventRoomJoined); got != 0 {
		t.Fatalf("HandlerCount after Unsubscribe = %d, want 0", got)
	}

	if err := bus.EmitSync(context.Background(), Event{Type: EventRoomJoined}); err != nil {
		t.Fatalf("EmitSync: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("handler ran after Unsubscribe")
	}
}

func TestPanickingHandlerIsContained(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	ran := make(chan struct{}, 1)
	bus.Subscribe(EventShutdown, "panicking", func(ctx context.Context, event Event) error {
		panic("handler blew up")
	})
	bus.Subscribe(EventShutdown, "surviving", func(ctx context.Context, event Event) error {
		ran <- struct{}{}
		return nil
	})

	if err := bus.EmitSync(context.Background(), Event{Type: EventShutdown}); err != nil {
		t.Fatalf("EmitSync: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("surviving handler never ran")
	}
}

func TestStoppedBusDropsEvents(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int64
	bus.Subscribe(EventConfigChanged, "counter", func(ctx context.Context, event Event) error {
		calls.Add(1)
		return nil
	})

	bus.Stop()
	select {
	case <-bus.StopCh():
	default:
		t.Fatal("StopCh still open after Stop")
	}

	bus.Emit(context.Background(), Event{Type: EventConfigChanged})
	if err := bus.EmitSync(context.Background(), Event{Type: EventConfigChanged}); err != nil {
		t.Fatalf("EmitSync after Stop: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("handler ran after Stop")
	}
}
