package blaze

import "fmt"

// Component identifiers used on the wire.
const (
	ComponentAuthentication uint16 = 0x0001
	ComponentGameManager    uint16 = 0x0004
	ComponentRedirector     uint16 = 0x0005
	ComponentPlaygroups     uint16 = 0x0006
	ComponentUtil           uint16 = 0x0009
	ComponentMessaging      uint16 = 0x000F
	ComponentRooms          uint16 = 0x0015
	ComponentUserSessions   uint16 = 0x7802
)

// Commands owned by the protocol layer itself rather than a feature
// component.
const (
	// CommandSubscribe registers the calling session for notifications
	// of the component named in the request body.
	CommandSubscribe uint16 = 0x0008

	// CommandCancelRequest is sent best-effort to the peer when a
	// pending request times out locally.
	CommandCancelRequest uint16 = 0x00CC

	// CommandNotifyDrain announces a graceful shutdown to connected
	// sessions.
	CommandNotifyDrain uint16 = 0x00DD
)

var componentNames = map[uint16]string{
	ComponentAuthentication: "authentication",
	ComponentGameManager:    "gamemanager",
	ComponentRedirector:     "redirector",
	ComponentPlaygroups:     "playgroups",
	ComponentUtil:           "util",
	ComponentMessaging:      "messaging",
	ComponentRooms:          "rooms",
	ComponentUserSessions:   "usersessions",
}

// ComponentName returns the log-friendly name for a component id.
func ComponentName(id uint16) string {
	if name, ok := componentNames[id]; ok {
		return name
	}
	return fmt.Sprintf("component(0x%04X)", id)
}
