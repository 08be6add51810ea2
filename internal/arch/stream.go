package arch

import (
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// QueryStream is a lazy stream of StreamEvents from a running agent process.
// Consume Events until it closes, then check Err for the terminal status.
type QueryStream struct {
	events chan v1.StreamEvent
	done   chan struct{}
	err    error
}

// NewQueryStream creates a stream with a small buffer so the producing
// goroutine is not lock-stepped with the consumer.
func NewQueryStream() *QueryStream {
	return &QueryStream{
		events: make(chan v1.StreamEvent, 16),
		done:   make(chan struct{}),
	}
}

// Events returns the event channel. Closed when the query finishes.
func (s *QueryStream) Events() <-chan v1.StreamEvent { return s.events }

// Err returns the terminal error, valid after Events has closed.
func (s *QueryStream) Err() error {
	<-s.done
	return s.err
}

// Emit sends one event. Producer side only.
func (s *QueryStream) Emit(event v1.StreamEvent) { s.events <- event }

// CloseWith finishes the stream with the given terminal error (nil for
// success). Producer side only; call exactly once.
func (s *QueryStream) CloseWith(err error) {
	s.err = err
	close(s.events)
	close(s.done)
}
