package events

import (
	"sync"
)

// AsyncEmitter decouples event delivery from the request path with a
// bounded queue and a single worker goroutine. When the queue is full the
// event is dropped and onDrop is called; requests never wait on a sink.
type AsyncEmitter struct {
	sink   Emitter
	queue  chan *ErrorEvent
	onDrop func()

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncEmitter wraps sink with a queue of the given size. onDrop may be
// nil; it is invoked once per dropped event.
func NewAsyncEmitter(sink Emitter, bufferSize int, onDrop func()) *AsyncEmitter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	a := &AsyncEmitter{
		sink:   sink,
		queue:  make(chan *ErrorEvent, bufferSize),
		onDrop: onDrop,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncEmitter) run() {
	defer close(a.done)
	for event := range a.queue {
		a.sink.Emit(event)
	}
}

// Emit enqueues the event, dropping it if the queue is full.
func (a *AsyncEmitter) Emit(event *ErrorEvent) {
	select {
	case a.queue <- event:
	default:
		if a.onDrop != nil {
			a.onDrop()
		}
	}
}

// Close drains queued events, then closes the wrapped sink.
func (a *AsyncEmitter) Close() error {
	a.closeOnce.Do(func() {
		close(a.queue)
	})
	<-a.done
	return a.sink.Close()
}
