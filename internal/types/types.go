// Package types provides the event model shared across GaugeX components.
//
// Events are an immutable closed union (crash, performance, network, user
// action, log). StoredEvent is the persisted projection the store, the
// transmission engine and the maintenance scheduler operate on.
package types

import "fmt"

// EventID represents a UUIDv7 event identifier.
// UUIDv7 time-ordering keeps sequential inserts clustered in the timestamp index.
type EventID string

// SessionID represents a UUIDv7 session identifier.
type SessionID string

// EventType is the variant tag of an Event.
type EventType string

const (
	TypeCrash       EventType = "crash"
	TypePerformance EventType = "performance"
	TypeNetwork     EventType = "network"
	TypeUserAction  EventType = "user_action"
	TypeLog         EventType = "log"
)

// AllEventTypes lists every variant in a stable order.
var AllEventTypes = []EventType{TypeCrash, TypePerformance, TypeNetwork, TypeUserAction, TypeLog}

// Valid reports whether t names a known variant.
func (t EventType) Valid() bool {
	switch t {
	case TypeCrash, TypePerformance, TypeNetwork, TypeUserAction, TypeLog:
		return true
	}
	return false
}

// EventStatus is the delivery lifecycle state of a stored event.
type EventStatus string

const (
	StatusPending     EventStatus = "PENDING"
	StatusProcessing  EventStatus = "PROCESSING"
	StatusTransmitted EventStatus = "TRANSMITTED"
	StatusFailed      EventStatus = "FAILED"
)

// ParseEventStatus converts a persisted status string, rejecting unknown values.
func ParseEventStatus(s string) (EventStatus, error) {
	st := EventStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Valid reports whether s is one of the four lifecycle states.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusTransmitted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func (s EventStatus) Terminal() bool {
	return s == StatusTransmitted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is part of the delivery
// state machine. PROCESSING -> PENDING covers both a retryable failure and the
// startup reset of events interrupted mid-attempt.
func (s EventStatus) CanTransition(next EventStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusTransmitted || next == StatusPending || next == StatusFailed
	default:
		return false
	}
}

// Metadata carries event attributes: string keys mapped to scalars or nested
// maps/slices. JSON has a single number type, so Clone stores every integer
// and float32 as float64; integers beyond 2^53 lose precision.
type Metadata map[string]any

// Clone returns a copy with nested maps and slices copied and numbers widened
// to float64. Empty metadata clones to nil so that an event survives a JSON
// round trip unchanged.
func (m Metadata) Clone() Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case Metadata:
		return normalizeMap(x)
	case map[string]any:
		return normalizeMap(x)
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

// LogLevel is the severity of a Log event.
type LogLevel string

const (
	LevelVerbose LogLevel = "VERBOSE"
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarn    LogLevel = "WARN"
	LevelError   LogLevel = "ERROR"
)
