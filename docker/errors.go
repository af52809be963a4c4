package docker

import (
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

// RuntimeError wraps a failed engine call
type RuntimeError struct {
	Op      string
	Message string
	Err     error
}

func (e *RuntimeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// BuildError is returned when the image build exits unsuccessfully
type BuildError struct {
	Tag      string
	ExitCode int
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build of %s failed with exit code %d: %v", e.Tag, e.ExitCode, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether the engine said the object does not exist
func IsNotFound(err error) bool {
	return cerrdefs.IsNotFound(err)
}

func wrapErr(op, message string, err error) error {
	if err == nil {
		return nil
	}
	return &RuntimeError{Op: op, Message: message, Err: err}
}
