// Package events delivers structured error reports to their sinks without
// ever blocking the request path. Tile rejections and upstream failures
// are reported here instead of failing the enclosing request.
package events

import (
	"runtime/debug"
	"time"
)

// Tag keys used across the reporting pipeline.
const (
	TagType   = "type"
	TagTile   = "tile"
	TagURL    = "url"
	TagReason = "reason"
	TagParam  = "param"
	TagLevel  = "level"
)

// ErrorEvent is one reportable failure with its context tags.
type ErrorEvent struct {
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Level     string            `json:"level"`
	RequestID string            `json:"request_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Stack     string            `json:"stack,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewErrorEvent builds an event and captures the current stack.
func NewErrorEvent(kind, message string) *ErrorEvent {
	return &ErrorEvent{
		Kind:      kind,
		Message:   message,
		Level:     "error",
		Tags:      map[string]string{},
		Stack:     string(debug.Stack()),
		CreatedAt: time.Now().UTC(),
	}
}

// WithTag adds a context tag and returns the event for chaining.
func (e *ErrorEvent) WithTag(key, value string) *ErrorEvent {
	if value != "" {
		e.Tags[key] = value
	}
	return e
}

// WithLevel overrides the default "error" level.
func (e *ErrorEvent) WithLevel(level string) *ErrorEvent {
	e.Level = level
	return e
}

// WithRequestID attaches the originating request.
func (e *ErrorEvent) WithRequestID(id string) *ErrorEvent {
	e.RequestID = id
	return e
}
