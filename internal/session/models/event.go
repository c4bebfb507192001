package models

import "time"

// EventType is the closed set of Event variants a Session can emit. Fleet-
// originated types are carried opaquely: the core validates their shape but
// does not interpret their payload.
type EventType string

const (
	EventStatus     EventType = "status"
	EventLog        EventType = "log"
	EventThought    EventType = "thought"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventFileEdit   EventType = "file_edit"
	EventMoment     EventType = "moment"
	EventDelivery   EventType = "delivery"

	// Fleet-originated, opaque to the core beyond shape validation.
	EventFenceStarted    EventType = "fenceStarted"
	EventFenceResult     EventType = "fenceResult"
	EventHostStarted     EventType = "hostStarted"
	EventHostLog         EventType = "hostLog"
	EventHostExited      EventType = "hostExited"
	EventSummary         EventType = "summary"
	EventFollowersCatalog EventType = "followersCatalog"
	EventNote            EventType = "note"
)

// ToolResultStatus is the closed set of terminal states a tool_result event
// can carry.
type ToolResultStatus string

const (
	ToolResultCompleted ToolResultStatus = "completed"
	ToolResultFailed    ToolResultStatus = "failed"
)

// Event is an append-only record belonging to a Session. Sequence is
// monotonic within a Session starting at 1 with no gaps; Ts is wall-clock
// and non-decreasing per Session.
type Event struct {
	SessionID       string    `json:"session_id"`
	Sequence        int64     `json:"sequence"`
	Ts              time.Time `json:"ts"`
	Type            EventType `json:"type"`
	ToolExecutionID string    `json:"tool_execution_id,omitempty"`

	// Payload fields, populated according to Type. Only the fields relevant
	// to a given variant are set; json omits the rest.
	Status      Status           `json:"status,omitempty"`
	Level       string           `json:"level,omitempty"`
	Message     string           `json:"message,omitempty"`
	Thought     string           `json:"thought,omitempty"`
	Reasoning   string           `json:"reasoning,omitempty"`
	ToolName    string           `json:"tool_name,omitempty"`
	ToolArgs    map[string]any   `json:"tool_args,omitempty"`
	ToolOutput  string           `json:"tool_output,omitempty"`
	ToolStatus  ToolResultStatus `json:"tool_status,omitempty"`
	FilePath    string           `json:"file_path,omitempty"`
	LinesAdded  int              `json:"lines_added,omitempty"`
	LinesRemoved int             `json:"lines_removed,omitempty"`
	Description string           `json:"description,omitempty"`
	SnapshotID  string           `json:"snapshot_id,omitempty"`
	Note        string           `json:"note,omitempty"`
	DeliveryMode DeliveryMode    `json:"delivery_mode,omitempty"`
	URL          string          `json:"url,omitempty"`

	// Raw carries the opaque fleet-originated payload verbatim when Type is
	// one of the fleet variants, so the core can pass it through without
	// needing to model every fleet field.
	Raw map[string]any `json:"raw,omitempty"`
}

// GetSessionID implements the interface the event-bus WebSocket broadcaster
// uses to route an arbitrary payload to its owning session without a type
// assertion on *Event itself.
func (e *Event) GetSessionID() string {
	if e == nil {
		return ""
	}
	return e.SessionID
}
