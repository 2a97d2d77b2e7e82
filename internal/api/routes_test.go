package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/component"
	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/sporenet"
	"github.com/openspore-project/openspore/internal/worker"
)

func newTestServer(t *testing.T) *Server {
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
	blazeServer := blaze.NewServer(blaze.ServerConfig{}, registry, bus, zerolog.Nop())

	comps := component.New(component.Deps{
		Cfg:    cfg,
		Store:  store,
		Server: blazeServer,
		Pool:   pool,
		Bus:    bus,
		Logger: zerolog.Nop(),
	})

	s := NewServer(cfg, bus, blazeServer, comps)
	s.router = s.buildRouter()
	return s
}

func doRequest(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var parsed map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("%s %s: response is not JSON: %v", method, path, err)
	}
	return rec, parsed
}

func TestBootstrapConfigReportsEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec, body := doRequest(t, s, http.MethodGet, "/bootstrap/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	blazeInfo, ok := body["blaze"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing blaze endpoint block: %v", body)
	}
	if port := blazeInfo["port"].(float64); int(port) != 10041 {
		t.Fatalf("blaze port = %v, want 10041", port)
	}
	if gameName := body["game"]; gameName != "Darkspore" {
		t.Fatalf("game = %v, want Darkspore", gameName)
	}
}

func TestStatusReportsCounts(t *testing.T) {
	s := newTestServer(t)

	rec, body := doRequest(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if sessions := body["sessions"].(float64); sessions != 0 {
		t.Fatalf("sessions = %v, want 0", sessions)
	}
	if games := body["games"].(float64); games != 0 {
		t.Fatalf("games = %v, want 0", games)
	}
}

func TestSessionsListEmpty(t *testing.T) {
	s := newTestServer(t)

	rec, body := doRequest(t, s, http.MethodGet, "/api/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if total := body["total"].(float64); total != 0 {
		t.Fatalf("total = %v, want 0", total)
	}
}

func TestKickUnknownSessionReturns404(t *testing.T) {
	s := newTestServer(t)

	rec, _ := doRequest(t, s, http.MethodPost, "/api/sessions/42/kick", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSetConfigValidatesAndPersists(t *testing.T) {
	s := newTestServer(t)

	rec, _ := doRequest(t, s, http.MethodPut, "/api/config/"+config.KeyListenBlaze, `{"value":"20041"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := s.cfg.GetInt(config.KeyListenBlaze); got != 20041 {
		t.Fatalf("listen.blaze = %d, want 20041", got)
	}

	// Ports outside the valid range are rejected and rolled back.
	rec, _ = doRequest(t, s, http.MethodPut, "/api/config/"+config.KeyListenBlaze, `{"value":"99999"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := s.cfg.GetInt(config.KeyListenBlaze); got != 20041 {
		t.Fatalf("listen.blaze = %d after invalid update, want 20041", got)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	s := newTestServer(t)

	rec, body := doRequest(t, s, http.MethodGet, "/api/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body["error"] == nil {
		t.Fatalf("missing error body: %v", body)
	}
}
