package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/component"
	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/sporenet"
	"github.com/openspore-project/openspore/internal/worker"
)

type capturePublisher struct {
	snapshots []interface{}
}

func (p *capturePublisher) PublishStatus(payload interface{}) {
	p.snapshots = append(p.snapshots, payload)
}

func newTestScheduler(t *testing.T) (*Scheduler, *capturePublisher) {
	t.Helper()

	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	store, err := sporenet.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pool := worker.NewPool(2, 16, zerolog.Nop())
	t.Cleanup(pool.Stop)

	bus := events.NewEventBus()
	registry := blaze.NewRegistry()
	server := blaze.NewServer(blaze.ServerConfig{}, registry, bus, zerolog.Nop())

	comps := component.New(component.Deps{
		Cfg:    cfg,
		Store:  store,
		Server: server,
		Pool:   pool,
		Bus:    bus,
		Logger: zerolog.Nop(),
	})

	sched := NewScheduler(cfg, server, comps, store)
	pub := &capturePublisher{}
	sched.SetPublisher(pub)
	return sched, pub
}

func TestCollectStatsPublishesSnapshot(t *testing.T) {
	sched, pub := newTestScheduler(t)

	sched.collectStats()

	if len(pub.snapshots) != 1 {
		t.Fatalf("published %d snapshots, want 1", len(pub.snapshots))
	}

	snapshot, ok := pub.snapshots[0].(map[string]interface{})
	if !ok {
		t.Fatalf("snapshot has unexpected type %T", pub.snapshots[0])
	}
	if sessions := snapshot["sessions"]; sessions != 0 {
		t.Fatalf("sessions = %v, want 0", sessions)
	}
	if _, ok := snapshot["users"]; !ok {
		t.Fatalf("snapshot missing store statistics: %v", snapshot)
	}
}

func TestCollectStatsWithoutPublisher(t *testing.T) {
	sched, _ := newTestScheduler(t)
	sched.publisher = nil

	// Must not panic when no sink is attached.
	sched.collectStats()
}
