package repository

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/depker/depker/db"
	"github.com/depker/depker/domain"
	"github.com/depker/depker/encryption"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceRepository interface {
	FindByID(id uuid.UUID) (*domain.Service, error)
	FindByName(name string) (*domain.Service, error)
	List() ([]*domain.Service, error)
	// Save inserts the service or replaces the stored one with the same name
	Save(service *domain.Service) (*domain.Service, error)
	UpdateLastCommit(id uuid.UUID, commit string) error
	Delete(id uuid.UUID) error
}

type serviceRepository struct {
	db     *gorm.DB
	mapper *ServiceMapper
}

func NewServiceRepository(db *gorm.DB, encryptionSvc *encryption.EncryptionService) ServiceRepository {
	return &serviceRepository{
		db:     db,
		mapper: NewServiceMapper(encryptionSvc),
	}
}

func (r *serviceRepository) List() ([]*domain.Service, error) {
	var models []db.ServiceModel
	if err := r.db.Order("name").Find(&models).Error; err != nil {
		return nil, err
	}

	services := make([]*domain.Service, 0, len(models))
	for i := range models {
		svc, err := r.mapper.ToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, nil
}

func (r *serviceRepository) FindByID(id uuid.UUID) (*domain.Service, error) {
	var m db.ServiceModel
	if err := r.db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrServiceNotFound, id)
		}
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "find_service",
			"service_id", id,
			"error", err)
		return nil, err
	}
	return r.mapper.ToDomain(&m)
}

func (r *serviceRepository) FindByName(name string) (*domain.Service, error) {
	var m db.ServiceModel
	if err := r.db.Where("name = ?", name).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrServiceNotFound, name)
		}
		return nil, err
	}
	return r.mapper.ToDomain(&m)
}

func (r *serviceRepository) Save(service *domain.Service) (*domain.Service, error) {
	var existing db.ServiceModel
	err := r.db.Where("name = ?", service.Name).First(&existing).Error
	switch {
	case err == nil:
		service.ID = existing.ID
		service.CreatedAt = existing.CreatedAt
		if service.LastCommit == nil {
			service.LastCommit = existing.LastCommit
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if service.ID == uuid.Nil {
			service.ID = uuid.New()
		}
	default:
		return nil, err
	}

	m, err := r.mapper.ToModel(service)
	if err != nil {
		return nil, err
	}

	if existing.ID == uuid.Nil {
		err = r.db.Create(m).Error
	} else {
		// Select("*") so cleared fields are written too; created_at never changes
		err = r.db.Model(&db.ServiceModel{}).
			Where("id = ?", m.ID).
			Select("*").
			Omit("created_at").
			Updates(m).
			Error
	}
	if err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "save_service",
			"service_id", service.ID,
			"service_name", service.Name,
			"error", err)
		return nil, err
	}

	return r.FindByID(service.ID)
}

func (r *serviceRepository) UpdateLastCommit(id uuid.UUID, commit string) error {
	return r.db.Model(&db.ServiceModel{}).
		Where("id = ?", id).
		Update("last_commit", commit).
		Error
}

func (r *serviceRepository) Delete(id uuid.UUID) error {
	res := r.db.Delete(&db.ServiceModel{}, "id = ?", id)
	if res.Error != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "delete_service",
			"service_id", id,
			"error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrServiceNotFound, id)
	}
	return nil
}

type DeployRepository interface {
	Create(deploy *domain.Deploy) error
	FindByID(id uint) (*domain.Deploy, error)
	ListByService(serviceID uuid.UUID, limit int) ([]*domain.Deploy, error)
	ListByStatus(statuses ...domain.DeployStatus) ([]*domain.Deploy, error)
	// UpdateStatus applies a monotonic status change and returns the stored deploy
	UpdateStatus(id uint, status domain.DeployStatus) (*domain.Deploy, error)
	UpdatePhase(id uint, phase domain.DeployPhase) error
	UpdateTarget(id uint, target string) error
	AppendLog(deployID uint, level domain.LogLevel, text string) error
	// Logs returns lines after since (zero means all), keeping only the last tail lines when tail > 0
	Logs(deployID uint, since time.Time, tail int) ([]domain.LogLine, error)
}

type deployRepository struct {
	db     *gorm.DB
	mapper *DeployMapper
	now    func() time.Time
}

func NewDeployRepository(db *gorm.DB) DeployRepository {
	return &deployRepository{
		db:     db,
		mapper: &DeployMapper{},
		now:    time.Now,
	}
}

func (r *deployRepository) Create(deploy *domain.Deploy) error {
	if deploy.Status == domain.DeployStatusUnknown {
		deploy.Status = domain.DeployStatusQueued
	}
	m := r.mapper.ToModel(deploy)
	m.ID = 0
	if err := r.db.Omit(clause.Associations).Create(m).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "create_deploy",
			"service_id", deploy.ServiceID,
			"error", err)
		return err
	}
	// Keep the id and timestamps populated by GORM
	name := deploy.ServiceName
	*deploy = *r.mapper.ToDomain(m)
	deploy.ServiceName = name
	return nil
}

func (r *deployRepository) find(tx *gorm.DB, id uint) (*db.DeployModel, error) {
	var m db.DeployModel
	if err := tx.Preload("Service").First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", domain.ErrDeployNotFound, id)
		}
		return nil, err
	}
	return &m, nil
}

func (r *deployRepository) FindByID(id uint) (*domain.Deploy, error) {
	m, err := r.find(r.db, id)
	if err != nil {
		return nil, err
	}
	return r.mapper.ToDomain(m), nil
}

func (r *deployRepository) ListByService(serviceID uuid.UUID, limit int) ([]*domain.Deploy, error) {
	q := r.db.Preload("Service").Where("service_id = ?", serviceID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []db.DeployModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	return r.toDomainList(models), nil
}

func (r *deployRepository) ListByStatus(statuses ...domain.DeployStatus) ([]*domain.Deploy, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = s.String()
	}
	var models []db.DeployModel
	if err := r.db.Preload("Service").Where("status IN ?", names).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	return r.toDomainList(models), nil
}

func (r *deployRepository) toDomainList(models []db.DeployModel) []*domain.Deploy {
	deploys := make([]*domain.Deploy, len(models))
	for i := range models {
		deploys[i] = r.mapper.ToDomain(&models[i])
	}
	return deploys
}

func (r *deployRepository) UpdateStatus(id uint, status domain.DeployStatus) (*domain.Deploy, error) {
	var updated *domain.Deploy
	err := r.db.Transaction(func(tx *gorm.DB) error {
		m, err := r.find(tx, id)
		if err != nil {
			return err
		}

		current, _ := domain.ParseDeployStatus(m.Status)
		if !current.CanTransitionTo(status) {
			return &domain.TransitionError{DeployID: id, From: current, To: status}
		}

		values := map[string]any{"status": status.String(), "updated_at": r.now()}
		if status.Terminal() {
			values["phase"] = string(domain.PhaseNone)
		}
		// the status guard makes concurrent writers lose instead of overwrite
		res := tx.Model(&db.DeployModel{}).
			Where("id = ? AND status = ?", id, m.Status).
			Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &domain.TransitionError{DeployID: id, From: current, To: status}
		}

		m, err = r.find(tx, id)
		if err != nil {
			return err
		}
		updated = r.mapper.ToDomain(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *deployRepository) UpdatePhase(id uint, phase domain.DeployPhase) error {
	return r.updateColumn(id, "phase", string(phase))
}

func (r *deployRepository) UpdateTarget(id uint, target string) error {
	if target == "" {
		target = domain.UnknownTarget
	}
	return r.updateColumn(id, "target", target)
}

func (r *deployRepository) updateColumn(id uint, column string, value string) error {
	res := r.db.Model(&db.DeployModel{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", domain.ErrDeployNotFound, id)
	}
	return nil
}

func (r *deployRepository) AppendLog(deployID uint, level domain.LogLevel, text string) error {
	return r.db.Create(&db.DeployLogModel{
		DeployID: deployID,
		Level:    string(level),
		Time:     r.now(),
		Text:     text,
	}).Error
}

func (r *deployRepository) Logs(deployID uint, since time.Time, tail int) ([]domain.LogLine, error) {
	if _, err := r.find(r.db, deployID); err != nil {
		return nil, err
	}

	q := r.db.Where("deploy_id = ?", deployID)
	if !since.IsZero() {
		q = q.Where("time > ?", since)
	}
	// newest first so the limit keeps the tail, reversed below
	q = q.Order("id DESC")
	if tail > 0 {
		q = q.Limit(tail)
	}

	var models []db.DeployLogModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}

	lines := make([]domain.LogLine, len(models))
	for i := range models {
		lines[len(models)-1-i] = logToDomain(&models[i])
	}
	return lines, nil
}
