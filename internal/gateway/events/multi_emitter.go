package events

// MultiEmitter fans one event out to several backends.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines the given backends. Nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	kept := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			kept = append(kept, e)
		}
	}
	return &MultiEmitter{emitters: kept}
}

// Emit forwards the event to every backend.
func (m *MultiEmitter) Emit(event *ErrorEvent) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

// Close closes all backends, returning the first error.
func (m *MultiEmitter) Close() error {
	var first error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
