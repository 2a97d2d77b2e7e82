// Package component implements the game-facing command handlers served
// over the Blaze transport: redirector, util, authentication, user
// sessions, game manager and rooms.
package component

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/sporenet"
	"github.com/openspore-project/openspore/internal/tdf"
	"github.com/openspore-project/openspore/internal/worker"
)

// Deps carries everything the handlers need.
type Deps struct {
	Cfg    *config.Config
	Store  *sporenet.Store
	Server *blaze.Server
	Pool   *worker.Pool
	Bus    *events.EventBus
	Logger zerolog.Logger
}

// Registry of per-session login state. Sessions are keyed by their
// transport id; entries are dropped on logout or session close.
type stateTable struct {
	mu sync.RWMutex
	m  map[uint64]*sessionState
}

type sessionState struct {
	user    *sporenet.User
	persona *sporenet.Persona
	network *tdf.Struct
}

func newStateTable() *stateTable {
	return &stateTable{m: make(map[uint64]*sessionState)}
}

func (t *stateTable) get(sessionID uint64) (*sessionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.m[sessionID]
	return st, ok
}

func (t *stateTable) put(sessionID uint64, st *sessionState) {
	t.mu.Lock()
	t.m[sessionID] = st
	t.mu.Unlock()
}

func (t *stateTable) drop(sessionID uint64) {
	t.mu.Lock()
	delete(t.m, sessionID)
	t.mu.Unlock()
}

// Components bundles the handler groups and their shared state.
type Components struct {
	deps  Deps
	state *stateTable

	games *gameTable
	rooms *roomTable
}

// New builds the handler groups.
func New(deps Deps) *Components {
	c := &Components{
		deps:  deps,
		state: newStateTable(),
		games: newGameTable(),
		rooms: newRoomTable(),
	}
	if deps.Bus != nil {
		deps.Bus.Subscribe(events.EventSessionClosed, "component-state", c.onSessionClosed)
	}
	return c
}

// RegisterAll binds every handler into the registry.
func (c *Components) RegisterAll(reg *blaze.Registry) error {
	bindings := []struct {
		component uint16
		command   uint16
		handler   blaze.Handler
	}{
		{blaze.ComponentRedirector, cmdGetServerInstance, c.getServerInstance},

		{blaze.ComponentUtil, cmdFetchClientConfig, c.fetchClientConfig},
		{blaze.ComponentUtil, cmdPing, c.ping},
		{blaze.ComponentUtil, cmdPreAuth, c.preAuth},
		{blaze.ComponentUtil, cmdPostAuth, c.postAuth},
		{blaze.ComponentUtil, cmdGetTelemetryServer, c.getTelemetryServer},
		{blaze.ComponentUtil, cmdUserSettingsSave, c.userSettingsSave},
		{blaze.ComponentUtil, cmdUserSettingsLoadAll, c.userSettingsLoadAll},

		{blaze.ComponentAuthentication, cmdLogin, c.login},
		{blaze.ComponentAuthentication, cmdSilentLogin, c.silentLogin},
		{blaze.ComponentAuthentication, cmdLogout, c.logout},

		{blaze.ComponentUserSessions, blaze.CommandSubscribe, c.subscribe},
		{blaze.ComponentUserSessions, cmdUnsubscribe, c.unsubscribe},
		{blaze.ComponentUserSessions, cmdUpdateNetworkInfo, c.updateNetworkInfo},

		{blaze.ComponentGameManager, cmdCreateGame, c.createGame},
		{blaze.ComponentGameManager, cmdDestroyGame, c.destroyGame},

		{blaze.ComponentRooms, cmdGetRoomCategories, c.getRoomCategories},
		{blaze.ComponentRooms, cmdJoinRoom, c.joinRoom},
		{blaze.ComponentRooms, cmdLeaveRoom, c.leaveRoom},
	}

	for _, b := range bindings {
		if err := reg.Register(b.component, b.command, b.handler); err != nil {
			return fmt.Errorf("component: register (0x%04X, 0x%04X): %w", b.component, b.command, err)
		}
	}
	return nil
}

// onSessionClosed clears login, game and room state left by a dropped
// session.
func (c *Components) onSessionClosed(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.SessionPayload)
	if !ok {
		return nil
	}
	c.state.drop(payload.SessionID)
	c.games.dropHost(payload.SessionID, c.deps.Server)
	c.rooms.dropMember(payload.SessionID, c.deps.Server)
	return nil
}

func (c *Components) emit(t events.EventType, payload interface{}) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Emit(context.Background(), events.Event{Type: t, Source: "component", Payload: payload})
}
