// Package events provides subject-naming conventions for the sessiond event bus.
package events

// Event.Type names declared for session subjects. internal/eventbus
// publishes each Event with Type set to its models.EventType (status, log,
// thought, tool_use, tool_result, file_edit, moment, delivery and the fleet
// types); of the names below only EventToolUse, EventToolResult and EventLog
// are among those values.
const (
	EventStatusChanged  = "status_changed"
	EventToolUse        = "tool_use"
	EventToolResult     = "tool_result"
	EventMessage        = "message"
	EventLog            = "log"
	EventError          = "error"
	EventProvisionPhase = "provision_phase"
)

// sessionSubjectPrefix namespaces all per-session event-bus subjects.
const sessionSubjectPrefix = "session"

// BuildSessionSubject returns the publish subject for events belonging to a
// single session.
func BuildSessionSubject(sessionID string) string {
	return sessionSubjectPrefix + "." + sessionID
}

// BuildSessionWildcardSubject returns the wildcard subject matching events
// for every session, for broadcast-style subscribers (e.g. the WebSocket hub).
func BuildSessionWildcardSubject() string {
	return sessionSubjectPrefix + ".*"
}
