package deploy

import (
	"errors"
	"fmt"
)

var (
	// ErrStart marks failures of the start phase: create, start, health or swap
	ErrStart = errors.New("container failed to start")
	// ErrShuttingDown is returned by Up once Shutdown was called
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrNoLiveContainer is returned when a service has no container under its bare name
	ErrNoLiveContainer = errors.New("service has no live container")
	// ErrNotCancellable is returned when cancelling a deploy that already finished
	ErrNotCancellable = errors.New("deploy already finished")
)

// StartError describes why a replacement container was not promoted
type StartError struct {
	Container string
	Reason    string
	Err       error
}

func (e *StartError) Error() string {
	msg := fmt.Sprintf("start %s: %s", e.Container, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StartError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStart}
	}
	return []error{ErrStart, e.Err}
}
