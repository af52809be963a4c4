package docker

// Stream delivers progress of a long-running engine operation.
// Callers either range over Events and then call Wait, or call Wait directly.
type Stream struct {
	events chan Progress
	done   chan struct{}
	err    error
}

// NewStream runs fn in its own goroutine; every emitted line is delivered in order
func NewStream(fn func(emit func(Progress)) error) *Stream {
	s := &Stream{
		events: make(chan Progress, 64),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		s.err = fn(func(p Progress) { s.events <- p })
		close(s.events)
	}()
	return s
}

// Events is closed once the operation finished
func (s *Stream) Events() <-chan Progress {
	return s.events
}

// Wait drains any unread events and returns the operation result
func (s *Stream) Wait() error {
	for range s.events {
	}
	<-s.done
	return s.err
}
