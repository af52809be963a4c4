package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/depker/depker/buildpack"
	"github.com/depker/depker/deploy"
	"github.com/depker/depker/domain"
)

// FormatErrorForUser converts technical errors to messages safe to return to clients.
// This should only be called at the handler level.
func FormatErrorForUser(err error) string {
	if err == nil {
		return ""
	}

	// Errors the engine already phrases for users are passed through
	switch {
	case errors.Is(err, domain.ErrValidation):
		return err.Error()
	case errors.Is(err, domain.ErrServiceNotFound):
		return "service not found"
	case errors.Is(err, domain.ErrDeployNotFound):
		return "deploy not found"
	case errors.Is(err, deploy.ErrNotCancellable):
		return "deploy already finished"
	case errors.Is(err, deploy.ErrNoLiveContainer):
		return "service has no live container"
	case errors.Is(err, deploy.ErrShuttingDown):
		return "server is shutting down"
	case errors.Is(err, buildpack.ErrTemplateNotFound), errors.Is(err, buildpack.ErrNoTemplateMatched):
		return err.Error()
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "unique constraint") && strings.Contains(errStr, "name"):
		return "a service with this name already exists"
	case strings.Contains(errStr, "unique constraint"):
		return "this entry already exists"
	case strings.Contains(errStr, "record not found"):
		return "not found"
	case strings.Contains(errStr, "cannot connect to the docker daemon"):
		return "container engine is not reachable"
	case strings.Contains(errStr, "connection"):
		return "database connection failed"
	case strings.Contains(errStr, "timeout"):
		return "operation timed out"
	case strings.Contains(errStr, "permission denied (publickey)"):
		return "ssh key authentication failed - please check your private key"
	case strings.Contains(errStr, "authentication failed"):
		return "git authentication failed - please check your credentials"
	case strings.Contains(errStr, "repository not found"):
		return "git repository not found - please check the URL and your access permissions"
	case strings.Contains(errStr, "permission denied"):
		return "permission denied"
	default:
		return "an unexpected error occurred"
	}
}

// statusFor maps an error onto the response status code
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrServiceNotFound), errors.Is(err, domain.ErrDeployNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, buildpack.ErrTemplateNotFound),
		errors.Is(err, buildpack.ErrNoTemplateMatched):
		return http.StatusBadRequest
	case errors.Is(err, deploy.ErrNotCancellable),
		errors.Is(err, deploy.ErrNoLiveContainer),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, deploy.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
