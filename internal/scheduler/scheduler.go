// Package scheduler runs the periodic maintenance tasks: the idle
// session sweep and daily store statistics.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/component"
	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/sporenet"
)

// StatusPublisher receives the periodic statistics snapshot. The MQTT
// telemetry handler satisfies it.
type StatusPublisher interface {
	PublishStatus(payload interface{})
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg       *config.Config
	server    *blaze.Server
	comps     *component.Components
	store     *sporenet.Store
	publisher StatusPublisher

	sweepEvery time.Duration
	statsEvery time.Duration
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, server *blaze.Server, comps *component.Components, store *sporenet.Store) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		server:     server,
		comps:      comps,
		store:      store,
		sweepEvery: time.Minute,
		statsEvery: 5 * time.Minute,
	}
}

// SetPublisher attaches an optional statistics sink.
func (s *Scheduler) SetPublisher(p StatusPublisher) {
	s.publisher = p
}

// Start begins running all scheduled tasks. It blocks until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	go s.runIdleSweepLoop(ctx)
	go s.runStatsLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runIdleSweepLoop closes sessions that have been silent longer than
// the configured idle timeout.
func (s *Scheduler) runIdleSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := s.cfg.GetDuration(config.KeySessionIdleMS)
			if idle <= 0 {
				continue
			}
			if closed := s.server.CloseIdle(idle); closed > 0 {
				log.Info().
					Int("closed", closed).
					Dur("idle_timeout", idle).
					Msg("idle session sweep")
			}
		}
	}
}

// runStatsLoop logs and publishes a statistics snapshot.
func (s *Scheduler) runStatsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.statsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats()
		}
	}
}

func (s *Scheduler) collectStats() {
	snapshot := map[string]interface{}{
		"sessions": s.server.SessionCount(),
		"games":    s.comps.GameCount(),
	}

	if st, err := s.store.Stat(); err == nil {
		snapshot["users"] = st.Users
		snapshot["personas"] = st.Personas
	} else {
		log.Warn().Err(err).Msg("store statistics failed")
	}

	log.Info().Fields(snapshot).Msg("stats collected")

	if s.publisher != nil {
		s.publisher.PublishStatus(snapshot)
	}
}
