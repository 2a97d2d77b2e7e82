package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(4, 16, zerolog.Nop())
	defer p.Stop()

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()

	if got := ran.Load(); got != 50 {
		t.Fatalf("ran = %d, want 50", got)
	}
}

func TestPoolStopDrainsQueue(t *testing.T) {
	p := NewPool(1, 32, zerolog.Nop())

	var ran atomic.Int64
	block := make(chan struct{})
	p.Submit(func() { <-block })
	for i := 0; i < 10; i++ {
		p.Submit(func() { ran.Add(1) })
	}
	close(block)

	p.Stop()
	if got := ran.Load(); got != 10 {
		t.Fatalf("ran = %d after Stop, want 10", got)
	}

	if err := p.Submit(func() {}); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("Submit after Stop err = %v, want ErrPoolStopped", err)
	}
}

func TestPoolTrySubmitQueueFull(t *testing.T) {
	p := NewPool(1, 1, zerolog.Nop())
	defer p.Stop()

	block := make(chan struct{})
	defer close(block)
	p.Submit(func() { <-block })

	// Wait for the worker to pick the blocker up, then fill the queue.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := p.TrySubmit(func() {}); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up the blocking task")
		}
		time.Sleep(time.Millisecond)
	}

	if err := p.TrySubmit(func() {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	p := NewPool(1, 4, zerolog.Nop())
	defer p.Stop()

	p.Submit(func() { panic("boom") })

	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool stopped executing after a panic")
	}
}
