package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeployStatus represents the status of a deploy attempt
type DeployStatus int

const (
	DeployStatusUnknown DeployStatus = iota
	DeployStatusQueued
	DeployStatusRunning
	DeployStatusFailed
	DeployStatusSuccess
)

func (s DeployStatus) String() string {
	switch s {
	case DeployStatusQueued:
		return "queued"
	case DeployStatusRunning:
		return "running"
	case DeployStatusFailed:
		return "failed"
	case DeployStatusSuccess:
		return "success"
	default:
		return "unknown"
	}
}

func ParseDeployStatus(s string) (DeployStatus, error) {
	switch s {
	case "queued":
		return DeployStatusQueued, nil
	case "running":
		return DeployStatusRunning, nil
	case "failed":
		return DeployStatusFailed, nil
	case "success":
		return DeployStatusSuccess, nil
	case "unknown":
		return DeployStatusUnknown, nil
	default:
		return DeployStatusUnknown, fmt.Errorf("invalid deploy status: %q", s)
	}
}

// Terminal reports whether no further transition is possible
func (s DeployStatus) Terminal() bool {
	return s == DeployStatusFailed || s == DeployStatusSuccess
}

// CanTransitionTo enforces queued -> running -> {success, failed} and queued -> failed.
func (s DeployStatus) CanTransitionTo(next DeployStatus) bool {
	switch s {
	case DeployStatusQueued:
		return next == DeployStatusRunning || next == DeployStatusFailed
	case DeployStatusRunning:
		return next == DeployStatusSuccess || next == DeployStatusFailed
	default:
		return false
	}
}

// DeployPhase is the position of a running deploy in the state machine
type DeployPhase string

const (
	PhaseNone     DeployPhase = ""
	PhaseBuilding DeployPhase = "building"
	PhaseStarting DeployPhase = "starting"
	PhasePurging  DeployPhase = "purging"
)

// Trigger records what created a deploy
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerGit      Trigger = "git"
	TriggerSchedule Trigger = "schedule"
)

// UnknownTarget is recorded when the deployed revision cannot be determined
const UnknownTarget = "unknown"

type Deploy struct {
	ID          uint         `json:"id"`
	ServiceID   uuid.UUID    `json:"service_id"`
	ServiceName string       `json:"service"`
	Target      string       `json:"target"`
	Trigger     Trigger      `json:"trigger"`
	Status      DeployStatus `json:"-"`
	Phase       DeployPhase  `json:"phase,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func NewDeploy(service *Service, trigger Trigger) Deploy {
	target := UnknownTarget
	if service.Source.Kind == SourceImage && service.Source.Image != "" {
		target = service.Source.Image
	}
	return Deploy{
		ServiceID:   service.ID,
		ServiceName: service.Name,
		Target:      target,
		Trigger:     trigger,
		Status:      DeployStatusQueued,
	}
}

// Instance is the per-attempt identity used for proxy routers and container names
func (d *Deploy) Instance() string {
	return fmt.Sprintf("%s-%d", d.ServiceName, d.ID)
}

// LogLevel classifies deploy log lines
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogStep    LogLevel = "step"
	LogSuccess LogLevel = "success"
	LogError   LogLevel = "error"
)

type LogLine struct {
	ID       uint      `json:"id"`
	DeployID uint      `json:"deploy_id"`
	Level    LogLevel  `json:"level"`
	Time     time.Time `json:"time"`
	Text     string    `json:"text"`
}
