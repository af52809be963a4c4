// Package repository provides the data access layer for services, deploys and settings.
package repository

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/depker/depker/db"
	"github.com/depker/depker/domain"
	"github.com/depker/depker/encryption"
)

type ServiceMapper struct {
	encryption *encryption.EncryptionService
}

func NewServiceMapper(encryptionSvc *encryption.EncryptionService) *ServiceMapper {
	return &ServiceMapper{encryption: encryptionSvc}
}

// storedSource is the source without credentials; those live in their own encrypted columns
type storedSource struct {
	URL    string `json:"url,omitempty"`
	Branch string `json:"branch,omitempty"`
	Path   string `json:"path,omitempty"`
	Image  string `json:"image,omitempty"`
}

func (m *ServiceMapper) ToDomain(s *db.ServiceModel) (*domain.Service, error) {
	svc := &domain.Service{
		ID:         s.ID,
		Name:       s.Name,
		Type:       domain.ServiceType(s.Type),
		Buildpack:  s.Buildpack,
		Cron:       s.Cron,
		AutoDeploy: s.AutoDeploy,
		LastCommit: s.LastCommit,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}

	var src storedSource
	fields := []struct {
		column string
		raw    string
		into   any
	}{
		{"source", s.Source, &src},
		{"routing", s.Routing, &svc.Routing},
		{"process", s.Process, &svc.Process},
		{"build_args", s.BuildArgs, &svc.BuildArgs},
		{"labels", s.Labels, &svc.Labels},
		{"hosts", s.Hosts, &svc.Hosts},
		{"networks", s.Networks, &svc.Networks},
		{"ports", s.Ports, &svc.Ports},
		{"volumes", s.Volumes, &svc.Volumes},
		{"extensions", s.Extensions, &svc.Extensions},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.into); err != nil {
			return nil, fmt.Errorf("failed to decode %s of service %s: %w", f.column, s.Name, err)
		}
	}
	svc.Source = domain.Source{
		Kind:   domain.SourceKind(s.SourceKind),
		URL:    src.URL,
		Branch: src.Branch,
		Path:   src.Path,
		Image:  src.Image,
	}

	if m.encryption == nil {
		return svc, nil
	}

	if s.GitAuthType != nil && s.GitAuthCredentials != nil {
		auth, err := m.encryption.DecryptGitAuthConfig(*s.GitAuthType, *s.GitAuthCredentials)
		if err != nil {
			// the service stays usable for public sources when the key has changed
			slog.Error("Failed to decrypt Git authentication",
				"layer", "repository",
				"service_id", s.ID,
				"service_name", s.Name,
				"auth_type", *s.GitAuthType,
				"error", err)
		} else {
			svc.Source.Auth = auth
		}
	}

	if s.Secrets != nil {
		secrets, err := m.encryption.DecryptValues(*s.Secrets)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt secrets of service %s: %w", s.Name, err)
		}
		svc.Secrets = secrets
	}

	return svc, nil
}

func (m *ServiceMapper) ToModel(s *domain.Service) (*db.ServiceModel, error) {
	model := &db.ServiceModel{
		BaseModel: db.BaseModel{
			ID:        s.ID,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		},
		Name:       s.Name,
		Type:       s.Type.String(),
		Buildpack:  s.Buildpack,
		SourceKind: string(s.Source.Kind),
		Cron:       s.Cron,
		AutoDeploy: s.AutoDeploy,
		LastCommit: s.LastCommit,
	}

	src := storedSource{URL: s.Source.URL, Branch: s.Source.Branch, Path: s.Source.Path, Image: s.Source.Image}
	fields := []struct {
		column string
		value  any
		into   *string
	}{
		{"source", src, &model.Source},
		{"routing", s.Routing, &model.Routing},
		{"process", s.Process, &model.Process},
		{"build_args", nonNilValues(s.BuildArgs), &model.BuildArgs},
		{"labels", nonNilValues(s.Labels), &model.Labels},
		{"hosts", nonNilValues(s.Hosts), &model.Hosts},
		{"networks", nonNilMap(s.Networks), &model.Networks},
		{"ports", nonNilSlice(s.Ports), &model.Ports},
		{"volumes", nonNilSlice(s.Volumes), &model.Volumes},
		{"extensions", nonNilMap(s.Extensions), &model.Extensions},
	}
	for _, f := range fields {
		data, err := json.Marshal(f.value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s of service %s: %w", f.column, s.Name, err)
		}
		*f.into = string(data)
	}

	if m.encryption == nil {
		if s.Source.Auth != nil || len(s.Secrets) > 0 {
			return nil, fmt.Errorf("service %s carries credentials but no encryption key is configured", s.Name)
		}
		return model, nil
	}

	authType, creds, err := m.encryption.EncryptGitAuthConfig(s.Source.Auth)
	if err != nil {
		return nil, err
	}
	if authType != "" && creds != "" {
		model.GitAuthType = &authType
		model.GitAuthCredentials = &creds
	}

	secrets, err := m.encryption.EncryptValues(s.Secrets)
	if err != nil {
		return nil, err
	}
	if secrets != "" {
		model.Secrets = &secrets
	}

	return model, nil
}

type DeployMapper struct{}

func (m *DeployMapper) ToDomain(d *db.DeployModel) *domain.Deploy {
	status, err := domain.ParseDeployStatus(d.Status)
	if err != nil {
		status = domain.DeployStatusUnknown
	}

	return &domain.Deploy{
		ID:          d.ID,
		ServiceID:   d.ServiceID,
		ServiceName: d.Service.Name,
		Target:      d.Target,
		Trigger:     domain.Trigger(d.Trigger),
		Status:      status,
		Phase:       domain.DeployPhase(d.Phase),
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (m *DeployMapper) ToModel(d *domain.Deploy) *db.DeployModel {
	target := d.Target
	if target == "" {
		target = domain.UnknownTarget
	}
	return &db.DeployModel{
		ID:        d.ID,
		ServiceID: d.ServiceID,
		Target:    target,
		Trigger:   string(d.Trigger),
		Status:    d.Status.String(),
		Phase:     string(d.Phase),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func logToDomain(l *db.DeployLogModel) domain.LogLine {
	return domain.LogLine{
		ID:       l.ID,
		DeployID: l.DeployID,
		Level:    domain.LogLevel(l.Level),
		Time:     l.Time,
		Text:     l.Text,
	}
}

func nonNilValues(m domain.ValueMap) domain.ValueMap {
	if m == nil {
		return domain.ValueMap{}
	}
	return m
}

func nonNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
