package component

import (
	"context"
	"sync"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/tdf"
)

const (
	cmdGetRoomCategories uint16 = 0x0001
	cmdJoinRoom          uint16 = 0x0014
	cmdLeaveRoom         uint16 = 0x0015

	notifyRoomMemberJoined uint16 = 0x0064
	notifyRoomMemberLeft   uint16 = 0x0065
)

type roomTable struct {
	mu sync.Mutex
	// members maps room id to the persona name of each member session.
	members map[uint64]map[uint64]string
}

func newRoomTable() *roomTable {
	return &roomTable{members: make(map[uint64]map[uint64]string)}
}

func (t *roomTable) join(roomID, sessionID uint64, persona string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.members[roomID]
	if !ok {
		room = make(map[uint64]string)
		t.members[roomID] = room
	}
	room[sessionID] = persona
}

func (t *roomTable) leave(roomID, sessionID uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.members[roomID]
	if !ok {
		return "", false
	}
	persona, ok := room[sessionID]
	if !ok {
		return "", false
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(t.members, roomID)
	}
	return persona, true
}

func (t *roomTable) roomsOf(sessionID uint64) map[uint64]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]string)
	for roomID, room := range t.members {
		if persona, ok := room[sessionID]; ok {
			out[roomID] = persona
		}
	}
	return out
}

// dropMember removes a closed session from every room it was in and
// tells the subscribers.
func (t *roomTable) dropMember(sessionID uint64, srv *blaze.Server) {
	for roomID, persona := range t.roomsOf(sessionID) {
		if _, ok := t.leave(roomID, sessionID); ok && srv != nil {
			srv.Broadcast(blaze.ComponentRooms, notifyRoomMemberLeft,
				roomMemberData(roomID, sessionID, persona))
		}
	}
}

// roomMemberData builds the membership payload carried by room
// notifications.
func roomMemberData(roomID, sessionID uint64, persona string) *tdf.Struct {
	return tdf.NewStruct().
		Put("PNAM", tdf.String(persona)).
		Put("RMID", tdf.Integer(int64(roomID))).
		Put("SEID", tdf.Integer(int64(sessionID)))
}

// getRoomCategories lists the seeded lobby catalog from the store.
func (c *Components) getRoomCategories(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	future := make(chan blaze.Result, 1)
	task := func() {
		cats, err := c.deps.Store.RoomCategories()
		if err != nil {
			c.deps.Logger.Error().Err(err).Msg("load room catalog")
			future <- blaze.Failure(blaze.CodeInternal, nil)
			return
		}

		list := tdf.NewList(tdf.TypeStruct)
		for _, cat := range cats {
			entry := tdf.NewStruct().
				Put("CAPA", tdf.Integer(int64(cat.Capacity))).
				Put("CTID", tdf.Integer(cat.ID)).
				Put("NAME", tdf.String(cat.Name))
			if err := list.Append(entry); err != nil {
				future <- blaze.Failure(blaze.CodeInternal, nil)
				return
			}
		}
		future <- blaze.Response(tdf.NewStruct().Put("CATS", list))
	}
	if err := c.deps.Pool.Submit(task); err != nil {
		return blaze.Failure(blaze.CodeInternal, nil)
	}
	return blaze.Deferred(future)
}

// joinRoom adds the logged-in session to a room and notifies Rooms
// subscribers.
func (c *Components) joinRoom(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	st, ok := c.state.get(s.ID())
	if !ok {
		return blaze.Failure(blaze.CodeAuthenticationFailed, nil)
	}

	roomID, ok := req.GetInt("RMID")
	if !ok || roomID <= 0 {
		return blaze.Failure(blaze.CodeInvalidArgument, nil)
	}

	persona := st.persona.Name
	c.rooms.join(uint64(roomID), s.ID(), persona)
	c.emit(events.EventRoomJoined, events.RoomPayload{
		RoomID:    uint64(roomID),
		SessionID: s.ID(),
		Persona:   persona,
	})
	c.deps.Logger.Debug().
		Uint64("session", s.ID()).
		Int64("room", roomID).
		Str("persona", persona).
		Msg("room joined")

	data := roomMemberData(uint64(roomID), s.ID(), persona)
	return blaze.Response(data).
		Broadcast(blaze.ComponentRooms, notifyRoomMemberJoined, data)
}

// leaveRoom removes the session from a room it is in.
func (c *Components) leaveRoom(ctx context.Context, s *blaze.Session, req *tdf.Struct) blaze.Result {
	roomID, ok := req.GetInt("RMID")
	if !ok || roomID <= 0 {
		return blaze.Failure(blaze.CodeInvalidArgument, nil)
	}

	persona, ok := c.rooms.leave(uint64(roomID), s.ID())
	if !ok {
		return blaze.Failure(blaze.CodeNotFound, nil)
	}

	c.emit(events.EventRoomLeft, events.RoomPayload{
		RoomID:    uint64(roomID),
		SessionID: s.ID(),
		Persona:   persona,
	})

	return blaze.Response(nil).
		Broadcast(blaze.ComponentRooms, notifyRoomMemberLeft,
			roomMemberData(uint64(roomID), s.ID(), persona))
}
