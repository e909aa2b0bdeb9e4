package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of dialogue event
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventLineAppended    EventType = "line_appended"
	EventUtteranceEnd    EventType = "utterance_end"
	EventSilenceTimeout  EventType = "silence_timeout"
	EventMalformedEvent  EventType = "malformed_event"
	EventCycleStarted    EventType = "cycle_started"
	EventFirstFragment   EventType = "first_fragment"
	EventCycleCompleted  EventType = "cycle_completed"
	EventCycleSuperseded EventType = "cycle_superseded"
	EventCycleFailed     EventType = "cycle_failed"
	EventSnapshotFailed  EventType = "snapshot_failed"
	EventSessionEnded    EventType = "session_ended"
)

// Schema creates the events table used by Logger.
const Schema = `
CREATE TABLE IF NOT EXISTS dialogue_events (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS dialogue_events_session_idx ON dialogue_events (session_id, created_at);
`

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// EnsureSchema creates the events table if it does not exist.
func (l *Logger) EnsureSchema(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	_, err := l.db.Exec(ctx, Schema)
	return err
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if l.db == nil || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO dialogue_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if l.db == nil || sessionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, eventType, data)
	}()
}
