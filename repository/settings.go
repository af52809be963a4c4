package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/depker/depker/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProxyPort is a host port published by the proxy on a tcp or udp entrypoint
type ProxyPort struct {
	Proto string `json:"proto"`
	Port  int    `json:"port"`
}

func (p ProxyPort) String() string {
	return fmt.Sprintf("%s/%d", p.Proto, p.Port)
}

// Entrypoint is the traefik entrypoint name for the port, e.g. tcp5432
func (p ProxyPort) Entrypoint() string {
	return p.Proto + strconv.Itoa(p.Port)
}

// SortProxyPorts orders ports by protocol then number and drops duplicates
func SortProxyPorts(ports []ProxyPort) []ProxyPort {
	out := slices.Clone(ports)
	slices.SortFunc(out, func(a, b ProxyPort) int {
		if a.Proto != b.Proto {
			if a.Proto < b.Proto {
				return -1
			}
			return 1
		}
		return a.Port - b.Port
	})
	return slices.Compact(out)
}

type SettingRepository interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	PurgeEnabled() (bool, error)
	ProxyPorts() ([]ProxyPort, error)
	SetProxyPorts(ports []ProxyPort) error
}

type settingRepository struct {
	db *gorm.DB
}

func NewSettingRepository(db *gorm.DB) SettingRepository {
	return &settingRepository{db: db}
}

func (r *settingRepository) Get(key string) (string, bool, error) {
	var m db.SettingModel
	if err := r.db.First(&m, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return m.Value, true, nil
}

func (r *settingRepository) Set(key, value string) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&db.SettingModel{Key: key, Value: value, UpdatedAt: time.Now()}).Error
}

// PurgeEnabled defaults to true when the setting is absent
func (r *settingRepository) PurgeEnabled() (bool, error) {
	value, ok, err := r.Get(db.SettingPurge)
	if err != nil || !ok {
		return true, err
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return true, fmt.Errorf("invalid %s setting %q: %w", db.SettingPurge, value, err)
	}
	return enabled, nil
}

func (r *settingRepository) ProxyPorts() ([]ProxyPort, error) {
	value, ok, err := r.Get(db.SettingProxyPorts)
	if err != nil || !ok {
		return nil, err
	}
	var ports []ProxyPort
	if err := json.Unmarshal([]byte(value), &ports); err != nil {
		return nil, fmt.Errorf("invalid %s setting: %w", db.SettingProxyPorts, err)
	}
	return SortProxyPorts(ports), nil
}

func (r *settingRepository) SetProxyPorts(ports []ProxyPort) error {
	data, err := json.Marshal(nonNilSlice(SortProxyPorts(ports)))
	if err != nil {
		return err
	}
	return r.Set(db.SettingProxyPorts, string(data))
}
