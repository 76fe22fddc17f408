package types

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// StoredEvent is the persisted projection of an Event.
// Payload holds the full serialized event and is opaque to the store; the
// remaining columns exist so the store can filter, order and purge without
// decoding payloads.
type StoredEvent struct {
	ID              EventID        `db:"id"`
	Timestamp       int64          `db:"timestamp_ms"`
	Type            EventType      `db:"event_type"`
	Status          EventStatus    `db:"status"`
	Payload         []byte         `db:"payload"`
	Category        string         `db:"category"`
	Name            string         `db:"name"`
	Duration        sql.NullInt64  `db:"duration_ms"`
	MetadataJSON    string         `db:"metadata_json"`
	SessionID       sql.NullString `db:"session_id"`
	DeviceStateJSON sql.NullString `db:"device_state_json"`
	Priority        int            `db:"priority"`
	RetryCount      int            `db:"retry_count"`
	LastError       sql.NullString `db:"last_error"`
	LastAttemptTime sql.NullInt64  `db:"last_attempt_time"`
}

// NewStoredEvent serializes e and fills the indexed projections.
// Session, device state and priority are left for the caller to set.
func NewStoredEvent(e Event, status EventStatus) (StoredEvent, error) {
	if !status.Valid() {
		return StoredEvent{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	payload, err := Marshal(e)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("failed to serialize event %s: %w", e.ID(), err)
	}

	metadataJSON := "{}"
	if md := e.Metadata(); len(md) > 0 {
		b, err := json.Marshal(md)
		if err != nil {
			return StoredEvent{}, fmt.Errorf("failed to serialize metadata for event %s: %w", e.ID(), err)
		}
		metadataJSON = string(b)
	}

	se := StoredEvent{
		ID:           e.ID(),
		Timestamp:    e.Timestamp(),
		Type:         e.Type(),
		Status:       status,
		Payload:      payload,
		Category:     e.Category(),
		Name:         e.Name(),
		MetadataJSON: metadataJSON,
		Priority:     50,
	}
	if d := e.Duration(); d != nil {
		se.Duration = sql.NullInt64{Int64: *d, Valid: true}
	}
	return se, nil
}

// Event decodes the stored payload back into its variant.
func (s StoredEvent) Event() (Event, error) {
	return Unmarshal(s.Payload)
}

// WireEvent is the JSON object sent to the backend for one stored event.
type WireEvent struct {
	Event       json.RawMessage `json:"event"`
	SessionID   string          `json:"session_id,omitempty"`
	DeviceState json.RawMessage `json:"device_state,omitempty"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
}

// Wire converts the row to its transmission form.
func (s StoredEvent) Wire() WireEvent {
	w := WireEvent{
		Event:      json.RawMessage(s.Payload),
		Priority:   s.Priority,
		RetryCount: s.RetryCount,
	}
	if s.SessionID.Valid {
		w.SessionID = s.SessionID.String
	}
	if s.DeviceStateJSON.Valid && json.Valid([]byte(s.DeviceStateJSON.String)) {
		w.DeviceState = json.RawMessage(s.DeviceStateJSON.String)
	}
	return w
}
