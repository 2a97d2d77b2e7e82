package component

import (
	"context"
	"sort"
	"sync"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/tdf"
)

const (
	cmdCreateGame  uint16 = 0x0001
	cmdDestroyGame uint16 = 0x0002

	notifyGameCreated uint16 = 0x0010
	notifyGameRemoved uint16 = 0x0011
)

// Game is one hosted game instance.
type Game struct {
	ID         uint64
	Name       string
	HostID     uint64
	MaxPlayers int
}

type gameTable struct {
	mu     sync.Mutex
	nextID uint64
	games  map[uint64]*Game
}

func newGameTable() *gameTable {
	return &gameTable{games: make(map[uint64]*Game)}
}

func (t *gameTable) create(name string, hostID uint64, maxPlayers int) *Game {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	g := &Game{ID: t.nextID, Name: name, HostID: hostID, MaxPlayers: maxPlayers}
	t.games[g.ID] = g
	return g
}

func (t *gameTable) remove(id uint64) (*Game, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.games[id]
	if ok {
		delete(t.games, id)
	}
	return g, ok
}

// removeHosted deletes a game only when hostID owns it. The second
// return reports existence, the third ownership.
func (t *gameTable) removeHosted(id, hostID uint64) (*Game, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.games[id]
	if !ok {
		return nil, false, false
	}
	if g.HostID != hostID {
		return g, true, false
	}
	delete(t.games, id)
	return g, true, true
}

func (t *gameTable) byHost(hostID uint64) []*Game {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Game
	for _, g := range t.games {
		if g.HostID == hostID {
			out = append(out, g)
		}
	}
	return out
}

func (t *gameTable) snapshot() []Game {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Game, 0, len(t.games))
	for _, g := range t.games {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *gameTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.games)
}

// dropHost removes every game hosted by a closed session and tells the
// subscribers.
func (t *gameTable) dropHost(sessionID uint64, srv *blaze.Server) {
	for _, g := range t.byHost(sessionID) {
		if _, ok := t.remove(g.ID); ok && srv != nil {
			srv.Broadcast(blaze.ComponentGameManager, notifyGameRemoved, gameData(g))
		}
	}
}

// gameData builds the replicated game payload carried by notifications
// and the create response.
func gameData(g *Game) *tdf.Struct {
	return tdf.NewStruct().
		Put("GID ", tdf.Integer(int64(g.ID))).
		Put("GNAM", tdf.String(g.Name)).
		Put("HSID", tdf.Integer(int64(g.HostID))).
		Put("PCAP", tdf.Integer(int64(g.MaxPlayers)))
}

// createGame registers a new game hosted by the calling session and
// notifies GameManager subscribers.
func (c *Components) createGame(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	if _, ok := c.state.get(s.ID()); !ok {
		return blaze.Failure(blaze.CodeAuthenticationFailed, nil)
	}

	name, ok := req.GetString("GNAM")
	if !ok || name == "" {
		return blaze.Failure(blaze.CodeInvalidArgument, nil)
	}

	maxPlayers := c.deps.Cfg.GetInt(config.KeyGameMaxPlayers)
	if pcap, ok := req.GetInt("PCAP"); ok && pcap > 0 && pcap <= int64(maxPlayers) {
		maxPlayers = int(pcap)
	}

	g := c.games.create(name, s.ID(), maxPlayers)
	c.emit(events.EventGameCreated, events.GamePayload{GameID: g.ID, Name: g.Name, HostID: g.HostID})
	c.deps.Logger.Info().
		Uint64("game", g.ID).
		Str("name", g.Name).
		Uint64("host", g.HostID).
		Msg("game created")

	return blaze.Response(gameData(g)).
		Broadcast(blaze.ComponentGameManager, notifyGameCreated, gameData(g))
}

// destroyGame removes a game. Only the hosting session may destroy it.
func (c *Components) destroyGame(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	id, ok := req.GetInt("GID ")
	if !ok || id <= 0 {
		return blaze.Failure(blaze.CodeInvalidArgument, nil)
	}

	g, found, owned := c.games.removeHosted(uint64(id), s.ID())
	if !found {
		return blaze.Failure(blaze.CodeNotFound, nil)
	}
	if !owned {
		return blaze.Failure(blaze.CodeInvalidArgument, nil)
	}

	c.emit(events.EventGameDestroyed, events.GamePayload{GameID: g.ID, Name: g.Name, HostID: g.HostID})
	c.deps.Logger.Info().Uint64("game", g.ID).Msg("game destroyed")

	return blaze.Response(nil).
		Broadcast(blaze.ComponentGameManager, notifyGameRemoved, gameData(g))
}

// GameCount reports the number of live games, for the status surfaces.
func (c *Components) GameCount() int {
	return c.games.count()
}

// Games snapshots the live games, ordered by id.
func (c *Components) Games() []Game {
	return c.games.snapshot()
}
