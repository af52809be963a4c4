package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrServiceNotFound   = errors.New("service not found")
	ErrDeployNotFound    = errors.New("deploy not found")
	ErrInvalidTransition = errors.New("invalid deploy status transition")
	ErrValidation        = errors.New("invalid service configuration")
)

// FieldError describes a single rejected field
type FieldError struct {
	Field   string
	Message string
}

// ValidationError is returned for bad service configuration before any engine call
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// TransitionError carries the rejected status change
type TransitionError struct {
	DeployID uint
	From     DeployStatus
	To       DeployStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("deploy %d: %s -> %s: %s", e.DeployID, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
