// Package db provides database models and utilities for Depker.
package db

import (
	"time"

	"github.com/google/uuid"
)

type BaseModel struct {
	ID        uuid.UUID `gorm:"type:char(36);primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ServiceModel struct {
	BaseModel
	Name               string  `gorm:"not null;unique;check:name <> ''"`
	Type               string  `gorm:"not null;check:type <> ''"` // app, job
	Buildpack          string  `gorm:"not null;check:buildpack <> ''"`
	SourceKind         string  `gorm:"not null"`
	Source             string  `gorm:"type:text;not null"` // JSON encoded source without credentials
	GitAuthType        *string // http, ssh
	GitAuthCredentials *string `gorm:"type:text"`          // Encrypted JSON blob
	Routing            string  `gorm:"type:text;not null"` // JSON
	Process            string  `gorm:"type:text;not null"` // JSON
	BuildArgs          string  `gorm:"type:text;not null"` // JSON
	Secrets            *string `gorm:"type:text"`          // Encrypted JSON blob
	Labels             string  `gorm:"type:text;not null"` // JSON
	Hosts              string  `gorm:"type:text;not null"` // JSON
	Networks           string  `gorm:"type:text;not null"` // JSON
	Ports              string  `gorm:"type:text;not null"` // JSON
	Volumes            string  `gorm:"type:text;not null"` // JSON
	Extensions         string  `gorm:"type:text;not null"` // JSON
	Cron               string  `gorm:"not null"`
	AutoDeploy         bool    `gorm:"not null"`
	LastCommit         *string

	Deploys []DeployModel `gorm:"foreignKey:ServiceID;constraint:OnDelete:CASCADE"`
}

func (ServiceModel) TableName() string {
	return "services"
}

type DeployModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	ServiceID uuid.UUID `gorm:"type:char(36);not null;index"`
	Target    string    `gorm:"not null;check:target <> ''"`
	Trigger   string    `gorm:"not null"`
	Status    string    `gorm:"not null;index;check:status <> ''"` // queued, running, failed, success
	Phase     string    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Service ServiceModel     `gorm:"foreignKey:ServiceID;constraint:OnDelete:CASCADE"`
	Logs    []DeployLogModel `gorm:"foreignKey:DeployID;constraint:OnDelete:CASCADE"`
}

func (DeployModel) TableName() string {
	return "deploys"
}

type DeployLogModel struct {
	ID       uint      `gorm:"primaryKey;autoIncrement"`
	DeployID uint      `gorm:"not null;index"`
	Level    string    `gorm:"not null"`
	Time     time.Time `gorm:"not null;index"`
	Text     string    `gorm:"type:text;not null"`
}

func (DeployLogModel) TableName() string {
	return "deploy_logs"
}

// SettingModel stores platform level key/value state
type SettingModel struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (SettingModel) TableName() string {
	return "settings"
}

type MigrationModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"not null;unique"`
	AppliedAt time.Time
}

func (MigrationModel) TableName() string {
	return "migrations"
}
