package events

// Emitter is implemented by event reporting backends.
// Implementations must be fire-and-forget: errors are handled internally,
// never returned to the caller.
type Emitter interface {
	// Emit sends an event. Must not block the request path.
	Emit(event *ErrorEvent)

	// Close flushes and shuts down the emitter.
	Close() error
}

// NoopEmitter discards all events. Used in tests and when reporting is
// disabled.
type NoopEmitter struct{}

// Emit does nothing.
func (NoopEmitter) Emit(event *ErrorEvent) {}

// Close returns nil.
func (NoopEmitter) Close() error { return nil }
