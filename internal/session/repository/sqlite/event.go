package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/session/models"
)

// eventPayload is the subset of Event fields serialized into the payload
// column; session_id, sequence, ts, type, and tool_execution_id get their
// own columns so ordering and tool-pairing queries don't need to touch JSON.
type eventPayload struct {
	Status       models.Status           `json:"status,omitempty"`
	Level        string                  `json:"level,omitempty"`
	Message      string                  `json:"message,omitempty"`
	Thought      string                  `json:"thought,omitempty"`
	Reasoning    string                  `json:"reasoning,omitempty"`
	ToolName     string                  `json:"tool_name,omitempty"`
	ToolArgs     map[string]any          `json:"tool_args,omitempty"`
	ToolOutput   string                  `json:"tool_output,omitempty"`
	ToolStatus   models.ToolResultStatus `json:"tool_status,omitempty"`
	FilePath     string                  `json:"file_path,omitempty"`
	LinesAdded   int                     `json:"lines_added,omitempty"`
	LinesRemoved int                     `json:"lines_removed,omitempty"`
	Description  string                  `json:"description,omitempty"`
	SnapshotID   string                  `json:"snapshot_id,omitempty"`
	Note         string                  `json:"note,omitempty"`
	DeliveryMode models.DeliveryMode     `json:"delivery_mode,omitempty"`
	URL          string                  `json:"url,omitempty"`
	Raw          map[string]any          `json:"raw,omitempty"`
}

func toPayload(e *models.Event) eventPayload {
	return eventPayload{
		Status: e.Status, Level: e.Level, Message: e.Message, Thought: e.Thought, Reasoning: e.Reasoning,
		ToolName: e.ToolName, ToolArgs: e.ToolArgs, ToolOutput: e.ToolOutput, ToolStatus: e.ToolStatus,
		FilePath: e.FilePath, LinesAdded: e.LinesAdded, LinesRemoved: e.LinesRemoved, Description: e.Description,
		SnapshotID: e.SnapshotID, Note: e.Note, DeliveryMode: e.DeliveryMode, URL: e.URL, Raw: e.Raw,
	}
}

func fromPayload(e *models.Event, p eventPayload) {
	e.Status, e.Level, e.Message, e.Thought, e.Reasoning = p.Status, p.Level, p.Message, p.Thought, p.Reasoning
	e.ToolName, e.ToolArgs, e.ToolOutput, e.ToolStatus = p.ToolName, p.ToolArgs, p.ToolOutput, p.ToolStatus
	e.FilePath, e.LinesAdded, e.LinesRemoved, e.Description = p.FilePath, p.LinesAdded, p.LinesRemoved, p.Description
	e.SnapshotID, e.Note, e.DeliveryMode, e.URL = p.SnapshotID, p.Note, p.DeliveryMode, p.URL
	e.Raw = p.Raw
}

// AppendEvent allocates the next Sequence for the Session within a single
// transaction that also inserts the row, so concurrent appends for the same
// Session (from the Supervisor and from state transitions) are totally
// ordered. The writer connection is capped at one (internal/db.OpenSQLite),
// which is what makes the read-then-insert below race-free without an
// explicit row lock; a Postgres deployment must route session-event writes
// through the same single connection for the same reason.
func (r *Repository) AppendEvent(ctx context.Context, event *models.Event) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.TransientErr("begin append event tx", err)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, tx.Rebind(`SELECT MAX(sequence) FROM session_events WHERE session_id = ?`), event.SessionID).Scan(&maxSeq); err != nil {
		_ = tx.Rollback()
		return coreerr.TransientErr("allocate event sequence", err)
	}
	event.Sequence = maxSeq.Int64 + 1

	payload, err := json.Marshal(toPayload(event))
	if err != nil {
		_ = tx.Rollback()
		return coreerr.InternalErr("marshal event payload", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO session_events (session_id, sequence, ts, type, tool_execution_id, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`), event.SessionID, event.Sequence, event.Ts, string(event.Type), event.ToolExecutionID, string(payload))
	if err != nil {
		_ = tx.Rollback()
		return coreerr.TransientErr("insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return coreerr.TransientErr("commit append event tx", err)
	}
	return nil
}

func scanEvent(row interface{ Scan(...any) error }) (*models.Event, error) {
	var e models.Event
	var eventType, payload string
	if err := row.Scan(&e.SessionID, &e.Sequence, &e.Ts, &eventType, &e.ToolExecutionID, &payload); err != nil {
		return nil, err
	}
	e.Type = models.EventType(eventType)
	var p eventPayload
	_ = json.Unmarshal([]byte(payload), &p)
	fromPayload(&e, p)
	return &e, nil
}

// ListEvents returns events for a Session with sequence > fromSequence, in
// order, capped at limit (0 means unbounded).
func (r *Repository) ListEvents(ctx context.Context, sessionID string, fromSequence int64, limit int) ([]*models.Event, error) {
	query := `SELECT session_id, sequence, ts, type, tool_execution_id, payload FROM session_events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`
	args := []any{sessionID, fromSequence}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, coreerr.TransientErr("list events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, coreerr.TransientErr("scan event", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentEvents returns the last n events for a Session, oldest first.
func (r *Repository) RecentEvents(ctx context.Context, sessionID string, n int) ([]*models.Event, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT session_id, sequence, ts, type, tool_execution_id, payload FROM session_events
		WHERE session_id = ? ORDER BY sequence DESC LIMIT ?
	`), sessionID, n)
	if err != nil {
		return nil, coreerr.TransientErr("recent events", err)
	}
	defer func() { _ = rows.Close() }()

	var reversed []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, coreerr.TransientErr("scan event", err)
		}
		reversed = append(reversed, e)
	}
	if err := rows.Err(); err != nil {
		return nil, coreerr.TransientErr("iterate events", err)
	}

	events := make([]*models.Event, len(reversed))
	for i, e := range reversed {
		events[len(reversed)-1-i] = e
	}
	return events, nil
}

// LatestSequence returns the highest allocated Sequence for a Session, or 0
// if it has none yet.
func (r *Repository) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	var maxSeq sql.NullInt64
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`SELECT MAX(sequence) FROM session_events WHERE session_id = ?`), sessionID).Scan(&maxSeq); err != nil {
		return 0, coreerr.TransientErr("latest sequence", err)
	}
	return maxSeq.Int64, nil
}
