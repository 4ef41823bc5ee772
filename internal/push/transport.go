// Package push keeps the server's event channel open and turns server
// events into agent actions.
package push

import "context"

// Event is one named message from the server. Data is nil when the event
// carried no object payload.
type Event struct {
	Name string
	Data map[string]any
}

// Conn is an established push connection.
type Conn interface {
	Emit(event string, data map[string]any) error
	Close()
}

// Dialer opens a push connection authenticated with token. Every event the
// connection sees, including connect and disconnect, is passed to handle.
type Dialer interface {
	Dial(ctx context.Context, token string, handle func(Event)) (Conn, error)
}

const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventConnectError    = "connect_error"
	EventJoined          = "joined"
	EventLeft            = "left"
	EventAgentRemoved    = "agent_removed"
	EventCategoryChanged = "server_category_changed"
	EventCategoryDeleted = "category_deleted"
	EventActivityDeleted = "activity_deleted"
	EventActivityList    = "activitylist_in_category_updated"
	EventActivityUpdated = "activity_updated"
	EventUpgradeAgent    = "upgrade_agent"
	EventOrgTokenReset   = "org_token_resetted"
	EventError           = "error"
	EventMessage         = "message"
	emitJoin             = "join"
	emitLeave            = "leave"
)

var serverEvents = []string{
	EventConnect, EventDisconnect, EventConnectError,
	EventJoined, EventLeft,
	EventAgentRemoved, EventCategoryChanged, EventCategoryDeleted, EventActivityDeleted,
	EventActivityList, EventActivityUpdated, EventUpgradeAgent, EventOrgTokenReset,
	EventError, EventMessage,
}
