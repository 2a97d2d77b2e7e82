// Package worker provides a fixed-size goroutine pool for handler work
// that must not run on a session's read goroutine.
package worker

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker: pool stopped")

// ErrQueueFull is returned by TrySubmit when the task queue is full.
var ErrQueueFull = errors.New("worker: task queue full")

// Pool runs submitted tasks on a fixed set of goroutines.
type Pool struct {
	tasks  chan func()
	stopCh chan struct{}
	logger zerolog.Logger

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool starts size workers sharing a queue of queueCap tasks.
func NewPool(size, queueCap int, logger zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueCap <= 0 {
		queueCap = 64
	}
	p := &Pool{
		tasks:  make(chan func(), queueCap),
		stopCh: make(chan struct{}),
		logger: logger.With().Str("component", "worker").Logger(),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	p.logger.Debug().Int("workers", size).Int("queue", queueCap).Msg("pool started")
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.exec(task)
		case <-p.stopCh:
			// Drain whatever was queued before the stop.
			for {
				select {
				case task := <-p.tasks:
					p.exec(task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("worker task panicked")
		}
	}()
	task()
}

// Submit queues a task, blocking while the queue is full. Returns
// ErrPoolStopped once the pool is stopping.
func (p *Pool) Submit(task func()) error {
	select {
	case <-p.stopCh:
		return ErrPoolStopped
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolStopped
	}
}

// TrySubmit queues a task without blocking.
func (p *Pool) TrySubmit(task func()) error {
	select {
	case <-p.stopCh:
		return ErrPoolStopped
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolStopped
	default:
		return ErrQueueFull
	}
}

// Stop signals the workers, drains queued tasks and waits for in-flight
// work to finish. Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		p.logger.Debug().Msg("pool stopped")
	})
}
