package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Setting keys shared by the repository and the seed migration
const (
	SettingPurge      = "purge"
	SettingProxyPorts = "proxy_ports"
)

// Migration represents a single database migration
type Migration struct {
	ID   int
	Name string
	Up   func(*gorm.DB) error
}

// allMigrations is the ordered list of all migrations
var allMigrations = []Migration{
	{
		ID:   1,
		Name: "0001_seed_default_settings",
		Up:   migration0001SeedDefaultSettings,
	},
	{
		ID:   2,
		Name: "0002_index_deploy_logs_by_time",
		Up:   migration0002IndexDeployLogsByTime,
	},
}

// AllModels returns all the models that need to be migrated
func AllModels() []any {
	return []any{
		&MigrationModel{},
		&ServiceModel{},
		&DeployModel{},
		&DeployLogModel{},
		&SettingModel{},
	}
}

// AutoMigrateAll creates the schema and then applies data migrations on top of it
func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return err
	}

	return RunMigrations(db, len(allMigrations))
}

// RunMigrations runs all migrations up to and including the specified ID
// If targetID is 0 or negative, all migrations are run
func RunMigrations(db *gorm.DB, targetID int) error {
	if targetID <= 0 {
		targetID = len(allMigrations)
	}

	for _, migration := range allMigrations {
		if migration.ID > targetID {
			break
		}

		applied, err := migrationApplied(db, migration.Name)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", migration.Name, err)
		}
		if applied {
			continue
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Up(tx); err != nil {
				return err
			}
			return recordMigration(tx, migration.Name)
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Name, err)
		}
	}

	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var count int64
	err := db.Model(&MigrationModel{}).Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func recordMigration(db *gorm.DB, name string) error {
	return db.Create(&MigrationModel{Name: name, AppliedAt: time.Now()}).Error
}

// migration0001SeedDefaultSettings inserts defaults without touching existing values
func migration0001SeedDefaultSettings(db *gorm.DB) error {
	defaults := []SettingModel{
		{Key: SettingPurge, Value: "true", UpdatedAt: time.Now()},
		{Key: SettingProxyPorts, Value: "[]", UpdatedAt: time.Now()},
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error
}

// migration0002IndexDeployLogsByTime speeds up log tails with a since filter
func migration0002IndexDeployLogsByTime(db *gorm.DB) error {
	return db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_deploy_logs_deploy_time ON deploy_logs (deploy_id, time, id)",
	).Error
}
