// Package api exposes the deploy engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/depker/depker/docker"
	"github.com/depker/depker/domain"
	"github.com/depker/depker/logging"
	"github.com/depker/depker/repository"
	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"
)

const (
	maxManifestBytes   = 1 << 20
	defaultDeployLimit = 20
	masked             = "********"
)

// Orchestrator is the part of the deploy engine the handlers drive
type Orchestrator interface {
	Up(ctx context.Context, name string, trigger domain.Trigger) (*domain.Deploy, error)
	Down(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Cancel(ctx context.Context, id uint) (*domain.Deploy, error)
	Logs(id uint, since time.Time, tail int) ([]domain.LogLine, error)
	Current(ctx context.Context, name string) (*docker.ContainerInfo, error)
}

// Scheduler keeps cron entries in step with stored services
type Scheduler interface {
	Sync(svc *domain.Service) error
	Next(name string) (time.Time, bool)
}

type Handlers struct {
	orch     Orchestrator
	services repository.ServiceRepository
	deploys  repository.DeployRepository
	schedule Scheduler
	logger   *slog.Logger
}

func NewHandlers(
	orch Orchestrator,
	services repository.ServiceRepository,
	deploys repository.DeployRepository,
	schedule Scheduler,
) *Handlers {
	return &Handlers{
		orch:     orch,
		services: services,
		deploys:  deploys,
		schedule: schedule,
		logger:   logging.Layer("api"),
	}
}

func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/services", func(r chi.Router) {
		r.Get("/", h.listServices)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.getService)
			r.Put("/", h.putService)
			r.Delete("/", h.deleteService)
			r.Post("/up", h.up)
			r.Post("/down", h.down)
			r.Post("/restart", h.restart)
			r.Get("/deploys", h.listDeploys)
			r.Get("/deploys/{id}/logs", h.deployLogs)
			r.Delete("/deploys/{id}/cancel", h.cancel)
		})
	})
}

type deployView struct {
	*domain.Deploy
	Status string `json:"status"`
}

func newDeployView(d *domain.Deploy) deployView {
	return deployView{Deploy: d, Status: d.Status.String()}
}

type serviceView struct {
	*domain.Service
	Container *docker.ContainerInfo `json:"container,omitempty"`
	NextRun   *time.Time            `json:"next_run,omitempty"`
}

// maskService returns a copy of svc with secret values and git credentials hidden
func maskService(svc *domain.Service) *domain.Service {
	out := *svc
	if len(svc.Secrets) > 0 {
		out.Secrets = make(domain.ValueMap, len(svc.Secrets))
		for k, v := range svc.Secrets {
			out.Secrets[k] = domain.Value{Value: masked, OnBuild: v.OnBuild}
		}
	}
	if auth := svc.Source.Auth; auth != nil {
		hidden := &domain.GitAuthConfig{}
		if auth.HTTPAuth != nil {
			hidden.HTTPAuth = &domain.GitHTTPAuthConfig{Username: auth.HTTPAuth.Username, Password: masked}
		}
		if auth.SSHAuth != nil {
			hidden.SSHAuth = &domain.GitSSHAuthConfig{User: auth.SSHAuth.User, PrivateKey: masked}
		}
		out.Source.Auth = hidden
	}
	return &out
}

func (h *Handlers) view(ctx context.Context, svc *domain.Service) serviceView {
	v := serviceView{Service: maskService(svc)}
	if c, err := h.orch.Current(ctx, svc.Name); err != nil {
		h.logger.Warn("Failed to look up live container", "operation", "view", "service", svc.Name, "error", err)
	} else {
		v.Container = c
	}
	if next, ok := h.schedule.Next(svc.Name); ok && !next.IsZero() {
		v.NextRun = &next
	}
	return v
}

func (h *Handlers) listServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.services.List()
	if err != nil {
		h.writeError(w, "list_services", err)
		return
	}

	views := make([]*domain.Service, len(services))
	for i, svc := range services {
		views[i] = maskService(svc)
	}
	h.writeJSON(w, http.StatusOK, views)
}

func (h *Handlers) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.services.FindByName(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, "get_service", err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.view(r.Context(), svc))
}

// putService creates or replaces a service from a JSON or YAML manifest
func (h *Handlers) putService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxManifestBytes))
	if err != nil {
		h.writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "manifest is too large"})
		return
	}

	svc, err := decodeService(r.Header.Get("Content-Type"), body)
	if err != nil {
		h.writeError(w, "put_service", err)
		return
	}
	if svc.Name == "" {
		svc.Name = name
	}
	if svc.Name != name {
		h.writeError(w, "put_service", &domain.ValidationError{Fields: []domain.FieldError{
			{Field: "Name", Message: fmt.Sprintf("does not match the path %q", name)},
		}})
		return
	}

	svc.ApplyDefaults()
	if err := svc.Validate(); err != nil {
		h.writeError(w, "put_service", err)
		return
	}

	saved, err := h.services.Save(svc)
	if err != nil {
		h.writeError(w, "put_service", err)
		return
	}
	if err := h.schedule.Sync(saved); err != nil {
		h.logger.Error("Failed to schedule service", "operation", "put_service", "service", name, "error", err)
	}

	h.logger.Info("Service saved", "operation", "put_service", "service", name)
	h.writeJSON(w, http.StatusOK, h.view(r.Context(), saved))
}

func decodeService(contentType string, body []byte) (*domain.Service, error) {
	var svc domain.Service
	var err error
	if strings.Contains(contentType, "yaml") {
		err = yaml.Unmarshal(body, &svc)
	} else {
		err = json.Unmarshal(body, &svc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return &svc, nil
}

func (h *Handlers) deleteService(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Remove(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, "delete_service", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) up(w http.ResponseWriter, r *http.Request) {
	d, err := h.orch.Up(r.Context(), chi.URLParam(r, "name"), domain.TriggerManual)
	if err != nil {
		h.writeError(w, "up", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, newDeployView(d))
}

func (h *Handlers) down(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Down(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, "down", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) restart(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Restart(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, "restart", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listDeploys(w http.ResponseWriter, r *http.Request) {
	svc, err := h.services.FindByName(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, "list_deploys", err)
		return
	}

	limit := defaultDeployLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	deploys, err := h.deploys.ListByService(svc.ID, limit)
	if err != nil {
		h.writeError(w, "list_deploys", err)
		return
	}
	views := make([]deployView, len(deploys))
	for i, d := range deploys {
		views[i] = newDeployView(d)
	}
	h.writeJSON(w, http.StatusOK, views)
}

func (h *Handlers) deployLogs(w http.ResponseWriter, r *http.Request) {
	d, ok := h.serviceDeploy(w, r, "deploy_logs")
	if !ok {
		return
	}

	since, tail, err := parseLogQuery(r)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	lines, err := h.orch.Logs(d.ID, since, tail)
	if err != nil {
		h.writeError(w, "deploy_logs", err)
		return
	}
	if lines == nil {
		lines = []domain.LogLine{}
	}
	h.writeJSON(w, http.StatusOK, lines)
}

func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request) {
	d, ok := h.serviceDeploy(w, r, "cancel")
	if !ok {
		return
	}

	cancelled, err := h.orch.Cancel(r.Context(), d.ID)
	if err != nil {
		h.writeError(w, "cancel", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newDeployView(cancelled))
}

// serviceDeploy resolves the {id} of a route and checks that it belongs to {name}
func (h *Handlers) serviceDeploy(w http.ResponseWriter, r *http.Request, operation string) (*domain.Deploy, bool) {
	name := chi.URLParam(r, "name")
	if _, err := h.services.FindByName(name); err != nil {
		h.writeError(w, operation, err)
		return nil, false
	}

	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid deploy id"})
		return nil, false
	}

	d, err := h.deploys.FindByID(uint(id))
	if err != nil {
		h.writeError(w, operation, err)
		return nil, false
	}
	if d.ServiceName != name {
		h.writeError(w, operation, fmt.Errorf("%w: %d", domain.ErrDeployNotFound, id))
		return nil, false
	}
	return d, true
}

// parseLogQuery reads since (RFC 3339 or unix seconds) and tail from the query
func parseLogQuery(r *http.Request) (time.Time, int, error) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = time.Unix(secs, 0)
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		} else {
			return time.Time{}, 0, errors.New("since must be RFC 3339 or unix seconds")
		}
	}

	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return time.Time{}, 0, errors.New("tail must be a non-negative integer")
		}
		tail = n
	}
	return since, tail, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handlers) writeError(w http.ResponseWriter, operation string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Handler operation failed", "operation", operation, "error", err)
	} else {
		h.logger.Debug("Request rejected", "operation", operation, "status", status, "error", err)
	}
	h.writeJSON(w, status, errorBody{Error: FormatErrorForUser(err)})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write response", "operation", "write_json", "error", err)
	}
}
