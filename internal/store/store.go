// Package store implements the catalog.DeviceCatalog collaborator of
// §6.2 against a SQLite-backed GORM schema, completing the pattern the
// teacher's internal/db + pkg/modbusdb started but never finished
// wiring (pkg/modbusdb calls dbpkg.CreateServer/InsertPointValuesBatch/
// LatestPointsORM, none of which exist in internal/db as shown).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"modbus-gateway/internal/catalog"
)

// deviceRecord is the GORM row for one catalog.Device. Connection,
// DataPoints, and Advanced are nested structs with no natural relational
// decomposition the engine cares about, so they're kept as JSON columns,
// the same tradeoff the teacher's PointValue.Value/Timestamp columns
// make for its own flat scalar shape.
type deviceRecord struct {
	ID             string `gorm:"column:id;primaryKey"`
	Name           string `gorm:"column:name"`
	Enabled        bool   `gorm:"column:enabled;index"`
	ConnectionJSON string `gorm:"column:connection_json"`
	DataPointsJSON string `gorm:"column:data_points_json"`
	AdvancedJSON   string `gorm:"column:advanced_json"`
	AddressBase    uint16 `gorm:"column:address_base"`
	LastSeen       time.Time `gorm:"column:last_seen"`
}

func (deviceRecord) TableName() string { return "devices" }

// driverRecord is the GORM row for one catalog.DriverConfig, keyed by
// the driver ID passed to PutDriverConfig/LoadDriverConfig (§6.2).
type driverRecord struct {
	DriverID   string `gorm:"column:driver_id;primaryKey"`
	ConfigJSON string `gorm:"column:config_json"`
}

func (driverRecord) TableName() string { return "driver_configs" }

// Store is a catalog.DeviceCatalog backed by a local GORM/SQLite database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the catalog database at path and runs
// its migration.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&deviceRecord{}, &driverRecord{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying SQL connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Put inserts or fully replaces a device's catalog row; used by
// pkg/gateway when it (re)loads device definitions from the config file.
func (s *Store) Put(ctx context.Context, dev catalog.Device) error {
	rec, err := toRecord(dev)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

// Delete removes a device's catalog row.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&deviceRecord{}).Error
}

// FindDevice implements catalog.DeviceCatalog.
func (s *Store) FindDevice(ctx context.Context, id string) (catalog.Device, error) {
	var rec deviceRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return catalog.Device{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.Device{}, fmt.Errorf("store: find device %s: %w", id, err)
	}
	return fromRecord(rec)
}

// ListEnabledDevices implements catalog.DeviceCatalog.
func (s *Store) ListEnabledDevices(ctx context.Context) ([]catalog.Device, error) {
	var recs []deviceRecord
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: list enabled devices: %w", err)
	}
	devices := make([]catalog.Device, 0, len(recs))
	for _, rec := range recs {
		dev, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// UpdateLastSeen implements catalog.DeviceCatalog.
func (s *Store) UpdateLastSeen(ctx context.Context, id string, ts time.Time) error {
	res := s.db.WithContext(ctx).Model(&deviceRecord{}).Where("id = ?", id).Update("last_seen", ts)
	if res.Error != nil {
		return fmt.Errorf("store: update last seen %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// LoadDriverConfig implements catalog.DeviceCatalog.
func (s *Store) LoadDriverConfig(ctx context.Context, driverID string) (catalog.DriverConfig, error) {
	var rec driverRecord
	err := s.db.WithContext(ctx).Where("driver_id = ?", driverID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return catalog.DriverConfig{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.DriverConfig{}, fmt.Errorf("store: load driver config %s: %w", driverID, err)
	}
	var cfg catalog.DriverConfig
	if err := json.Unmarshal([]byte(rec.ConfigJSON), &cfg); err != nil {
		return catalog.DriverConfig{}, fmt.Errorf("store: decode driver config %s: %w", driverID, err)
	}
	return cfg, nil
}

// PutDriverConfig inserts or replaces a driver config row.
func (s *Store) PutDriverConfig(ctx context.Context, driverID string, cfg catalog.DriverConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	rec := driverRecord{DriverID: driverID, ConfigJSON: string(payload)}
	return s.db.WithContext(ctx).Save(&rec).Error
}

func toRecord(dev catalog.Device) (deviceRecord, error) {
	conn, err := json.Marshal(dev.Connection)
	if err != nil {
		return deviceRecord{}, err
	}
	dps, err := json.Marshal(dev.DataPoints)
	if err != nil {
		return deviceRecord{}, err
	}
	adv, err := json.Marshal(dev.Advanced)
	if err != nil {
		return deviceRecord{}, err
	}
	return deviceRecord{
		ID:             dev.ID,
		Name:           dev.Name,
		Enabled:        dev.Enabled,
		ConnectionJSON: string(conn),
		DataPointsJSON: string(dps),
		AdvancedJSON:   string(adv),
		AddressBase:    dev.AddressBase,
		LastSeen:       dev.LastSeen,
	}, nil
}

func fromRecord(rec deviceRecord) (catalog.Device, error) {
	dev := catalog.Device{
		ID:          rec.ID,
		Name:        rec.Name,
		Enabled:     rec.Enabled,
		AddressBase: rec.AddressBase,
		LastSeen:    rec.LastSeen,
	}
	if err := json.Unmarshal([]byte(rec.ConnectionJSON), &dev.Connection); err != nil {
		return catalog.Device{}, fmt.Errorf("store: decode connection for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(rec.DataPointsJSON), &dev.DataPoints); err != nil {
		return catalog.Device{}, fmt.Errorf("store: decode data points for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(rec.AdvancedJSON), &dev.Advanced); err != nil {
		return catalog.Device{}, fmt.Errorf("store: decode advanced settings for %s: %w", rec.ID, err)
	}
	return dev, nil
}
