package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Event is an immutable observation produced by an instrumentation collaborator.
// The set of implementations is closed: CrashEvent, PerformanceEvent,
// NetworkEvent, UserActionEvent and LogEvent.
type Event interface {
	ID() EventID
	Timestamp() int64
	Type() EventType

	// Category, Name and Duration are the projections indexed by the store.
	// Duration is nil for variants without a measured duration.
	Category() string
	Name() string
	Duration() *int64

	// Metadata returns a copy of the event attributes.
	Metadata() Metadata

	// WithMetadata returns a copy of the event carrying md.
	WithMetadata(md Metadata) Event

	isEvent()
}

// Base holds the fields common to every variant.
type Base struct {
	EventID   EventID `json:"id"`
	CreatedAt int64   `json:"timestamp"`
}

func newBase() Base {
	return Base{EventID: NewEventID(), CreatedAt: NowMillis()}
}

func (b Base) ID() EventID      { return b.EventID }
func (b Base) Timestamp() int64 { return b.CreatedAt }

// CrashEvent records an uncaught exception or native crash.
type CrashEvent struct {
	Base
	ExceptionType string   `json:"exception_type"`
	Message       string   `json:"message"`
	StackTrace    string   `json:"stack_trace,omitempty"`
	ThreadName    string   `json:"thread_name,omitempty"`
	Fatal         bool     `json:"fatal"`
	Attrs         Metadata `json:"metadata,omitempty"`
}

// NewCrashEvent creates a crash event stamped with a fresh id and the current time.
// threadName is empty when the reporting thread is unknown.
func NewCrashEvent(exceptionType, message, stackTrace, threadName string, fatal bool, md Metadata) CrashEvent {
	return CrashEvent{
		Base:          newBase(),
		ExceptionType: exceptionType,
		Message:       message,
		StackTrace:    stackTrace,
		ThreadName:    threadName,
		Fatal:         fatal,
		Attrs:         md.Clone(),
	}
}

func (e CrashEvent) Type() EventType    { return TypeCrash }
func (e CrashEvent) Category() string   { return "crash" }
func (e CrashEvent) Name() string       { return e.ExceptionType }
func (e CrashEvent) Duration() *int64   { return nil }
func (e CrashEvent) Metadata() Metadata { return e.Attrs.Clone() }
func (e CrashEvent) isEvent()           {}

func (e CrashEvent) WithMetadata(md Metadata) Event {
	e.Attrs = md.Clone()
	return e
}

func (e CrashEvent) MarshalJSON() ([]byte, error) {
	type alias CrashEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{TypeCrash, alias(e)})
}

// PerformanceEvent records a timed measurement such as a screen load or a frame.
type PerformanceEvent struct {
	Base
	MetricCategory string   `json:"category"`
	MetricName     string   `json:"name"`
	DurationMs     int64    `json:"duration"`
	Attrs          Metadata `json:"metadata,omitempty"`
}

// NewPerformanceEvent creates a performance event stamped with a fresh id and the current time.
func NewPerformanceEvent(category, name string, durationMs int64, md Metadata) PerformanceEvent {
	return PerformanceEvent{
		Base:           newBase(),
		MetricCategory: category,
		MetricName:     name,
		DurationMs:     durationMs,
		Attrs:          md.Clone(),
	}
}

func (e PerformanceEvent) Type() EventType    { return TypePerformance }
func (e PerformanceEvent) Category() string   { return e.MetricCategory }
func (e PerformanceEvent) Name() string       { return e.MetricName }
func (e PerformanceEvent) Metadata() Metadata { return e.Attrs.Clone() }
func (e PerformanceEvent) isEvent()           {}

func (e PerformanceEvent) Duration() *int64 {
	d := e.DurationMs
	return &d
}

func (e PerformanceEvent) WithMetadata(md Metadata) Event {
	e.Attrs = md.Clone()
	return e
}

func (e PerformanceEvent) MarshalJSON() ([]byte, error) {
	type alias PerformanceEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{TypePerformance, alias(e)})
}

// NetworkEvent records one HTTP exchange observed by an interceptor.
type NetworkEvent struct {
	Base
	Method       string   `json:"method"`
	URL          string   `json:"url"`
	StatusCode   int      `json:"status_code"`
	DurationMs   int64    `json:"duration"`
	ResponseSize int64    `json:"response_size"`
	Error        string   `json:"error,omitempty"`
	Attrs        Metadata `json:"metadata,omitempty"`
}

// NewNetworkEvent creates a network event stamped with a fresh id and the current time.
// errMsg is empty when the exchange completed.
func NewNetworkEvent(method, url string, statusCode int, durationMs, responseSize int64, errMsg string, md Metadata) NetworkEvent {
	return NetworkEvent{
		Base:         newBase(),
		Method:       method,
		URL:          url,
		StatusCode:   statusCode,
		DurationMs:   durationMs,
		ResponseSize: responseSize,
		Error:        errMsg,
		Attrs:        md.Clone(),
	}
}

func (e NetworkEvent) Type() EventType    { return TypeNetwork }
func (e NetworkEvent) Category() string   { return "network" }
func (e NetworkEvent) Name() string       { return e.Method + " " + e.URL }
func (e NetworkEvent) Metadata() Metadata { return e.Attrs.Clone() }
func (e NetworkEvent) isEvent()           {}

func (e NetworkEvent) Duration() *int64 {
	d := e.DurationMs
	return &d
}

// HasError reports whether the exchange failed at the transport level.
func (e NetworkEvent) HasError() bool { return e.Error != "" }

func (e NetworkEvent) WithMetadata(md Metadata) Event {
	e.Attrs = md.Clone()
	return e
}

func (e NetworkEvent) MarshalJSON() ([]byte, error) {
	type alias NetworkEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{TypeNetwork, alias(e)})
}

// UserActionEvent records a user interaction such as a tap or a screen view.
type UserActionEvent struct {
	Base
	Action string   `json:"action"`
	Target string   `json:"target,omitempty"`
	Screen string   `json:"screen,omitempty"`
	Attrs  Metadata `json:"metadata,omitempty"`
}

// NewUserActionEvent creates a user action event stamped with a fresh id and the current time.
func NewUserActionEvent(action, target, screen string, md Metadata) UserActionEvent {
	return UserActionEvent{
		Base:   newBase(),
		Action: action,
		Target: target,
		Screen: screen,
		Attrs:  md.Clone(),
	}
}

func (e UserActionEvent) Type() EventType    { return TypeUserAction }
func (e UserActionEvent) Category() string   { return "user" }
func (e UserActionEvent) Name() string       { return e.Action }
func (e UserActionEvent) Duration() *int64   { return nil }
func (e UserActionEvent) Metadata() Metadata { return e.Attrs.Clone() }
func (e UserActionEvent) isEvent()           {}

func (e UserActionEvent) WithMetadata(md Metadata) Event {
	e.Attrs = md.Clone()
	return e
}

func (e UserActionEvent) MarshalJSON() ([]byte, error) {
	type alias UserActionEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{TypeUserAction, alias(e)})
}

// LogEvent records an application log line.
type LogEvent struct {
	Base
	Level   LogLevel `json:"level"`
	Tag     string   `json:"tag"`
	Message string   `json:"message"`
	Attrs   Metadata `json:"metadata,omitempty"`
}

// NewLogEvent creates a log event stamped with a fresh id and the current time.
func NewLogEvent(level LogLevel, tag, message string, md Metadata) LogEvent {
	return LogEvent{
		Base:    newBase(),
		Level:   level,
		Tag:     tag,
		Message: message,
		Attrs:   md.Clone(),
	}
}

func (e LogEvent) Type() EventType    { return TypeLog }
func (e LogEvent) Category() string   { return "log" }
func (e LogEvent) Name() string       { return e.Tag }
func (e LogEvent) Duration() *int64   { return nil }
func (e LogEvent) Metadata() Metadata { return e.Attrs.Clone() }
func (e LogEvent) isEvent()           {}

func (e LogEvent) WithMetadata(md Metadata) Event {
	e.Attrs = md.Clone()
	return e
}

func (e LogEvent) MarshalJSON() ([]byte, error) {
	type alias LogEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{TypeLog, alias(e)})
}

// Value returns e with pointer variants dereferenced, so that callers can
// switch on the value types alone. A nil pointer yields nil.
func Value(e Event) Event {
	switch v := e.(type) {
	case *CrashEvent:
		if v == nil {
			return nil
		}
		return *v
	case *PerformanceEvent:
		if v == nil {
			return nil
		}
		return *v
	case *NetworkEvent:
		if v == nil {
			return nil
		}
		return *v
	case *UserActionEvent:
		if v == nil {
			return nil
		}
		return *v
	case *LogEvent:
		if v == nil {
			return nil
		}
		return *v
	}
	return e
}

// Marshal serializes an event to its JSON wire form, tagged with "type".
func Marshal(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("cannot marshal nil event")
	}
	return json.Marshal(e)
}

// Unmarshal decodes a payload produced by Marshal back into its variant.
func Unmarshal(data []byte) (Event, error) {
	var tag struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}

	var (
		e   Event
		err error
	)
	switch tag.Type {
	case TypeCrash:
		var v CrashEvent
		err = json.Unmarshal(data, &v)
		e = v
	case TypePerformance:
		var v PerformanceEvent
		err = json.Unmarshal(data, &v)
		e = v
	case TypeNetwork:
		var v NetworkEvent
		err = json.Unmarshal(data, &v)
		e = v
	case TypeUserAction:
		var v UserActionEvent
		err = json.Unmarshal(data, &v)
		e = v
	case TypeLog:
		var v LogEvent
		err = json.Unmarshal(data, &v)
		e = v
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, strconv.Quote(string(tag.Type)))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return e, nil
}
