// Package events defines event types and payloads for the internal
// publish-subscribe bus.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle events
	EventSessionOpened EventType = "session_opened"
	EventSessionClosed EventType = "session_closed"
	EventFrameRejected EventType = "frame_rejected"

	// Player events
	EventUserAuthenticated EventType = "user_authenticated"
	EventUserLoggedOut     EventType = "user_logged_out"

	// Game and room events
	EventGameCreated   EventType = "game_created"
	EventGameDestroyed EventType = "game_destroyed"
	EventRoomJoined    EventType = "room_joined"
	EventRoomLeft      EventType = "room_left"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload accompanies session lifecycle events.
type SessionPayload struct {
	SessionID  uint64
	RemoteAddr string
	Endpoint   string
}

// FrameRejectedPayload carries the reason a frame was refused.
type FrameRejectedPayload struct {
	SessionID  uint64
	RemoteAddr string
	Reason     string
}

// UserPayload accompanies authentication events.
type UserPayload struct {
	SessionID uint64
	UserID    int64
	Email     string
	Persona   string
}

// GamePayload accompanies game lifecycle events.
type GamePayload struct {
	GameID uint64
	Name   string
	HostID uint64
}

// RoomPayload accompanies room membership events.
type RoomPayload struct {
	RoomID    uint64
	SessionID uint64
	Persona   string
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Key   string
	Value string
}
