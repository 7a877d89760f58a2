// Package datastore persists sensor samples, position fixes and object
// detections through GORM on SQLite or MySQL.
package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/rovernet/roverbridge/internal/conf"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/logger"
	"github.com/rovernet/roverbridge/internal/observability/metrics"
)

const (
	componentName      = "datastore"
	slowQueryThreshold = 500 * time.Millisecond
)

// Interface is the persistence contract used by the bridge
type Interface interface {
	Open() error
	Close() error
	InsertSensorSamples(ctx context.Context, samples []SensorSample) error
	InsertPosition(ctx context.Context, rec *PositionRecord) error
	InsertDetection(ctx context.Context, rec *DetectionRecord) error
	// LatestSample returns errors.ErrNotFound when the owner has no sample of kind
	LatestSample(ctx context.Context, ownerID int64, kind string) (SensorSample, error)
	LatestPosition(ctx context.Context, ownerID int64, deviceID string) (PositionRecord, error)
	RecentDetections(ctx context.Context, ownerID int64, deviceID string, limit int) ([]DetectionRecord, error)
	SensorStats(ctx context.Context, ownerID int64, kind string, since time.Time) (SensorStats, error)
}

// DataStore implements Interface on top of an open *gorm.DB
type DataStore struct {
	DB      *gorm.DB
	log     logger.Logger
	metrics *metrics.DatastoreMetrics
}

// New returns the backend selected in settings. The store is not opened.
func New(settings *conf.Settings, log logger.Logger, m *metrics.DatastoreMetrics) (Interface, error) {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	base := DataStore{log: log, metrics: m}

	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{DataStore: base, Settings: settings.Output.SQLite}, nil
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{DataStore: base, Settings: settings.Output.MySQL}, nil
	default:
		return nil, errors.Newf("no database backend enabled").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// NewWithDB wraps an already opened connection. Schema migration is the
// caller's responsibility.
func NewWithDB(db *gorm.DB, log logger.Logger, m *metrics.DatastoreMetrics) *DataStore {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &DataStore{DB: db, log: log, metrics: m}
}

func (ds *DataStore) gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(ds.log, slowQueryThreshold),
	}
}

// performAutoMigration creates or updates the three tables
func performAutoMigration(db *gorm.DB, log logger.Logger, dbType string) error {
	start := time.Now()
	if err := db.AutoMigrate(&SensorSample{}, &PositionRecord{}, &DetectionRecord{}); err != nil {
		return errors.New(fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Context("db_type", dbType).
			Build()
	}
	log.Debug("database migration completed",
		logger.String("db_type", dbType),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

// Open is implemented by the concrete backends
func (ds *DataStore) Open() error {
	if ds.DB == nil {
		return errors.Newf("database connection is not initialized").
			Component(componentName).
			Category(errors.CategoryState).
			Build()
	}
	return nil
}

// Close closes the underlying connection pool
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return nil
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (ds *DataStore) ready(op string) error {
	if ds.DB == nil {
		return errors.Newf("%s: database connection is not initialized", op).
			Component(componentName).
			Category(errors.CategoryState).
			Build()
	}
	return nil
}

// finish records metrics and turns a GORM error into an enhanced error
func (ds *DataStore) finish(op string, start time.Time, err error) error {
	elapsed := time.Since(start)
	switch {
	case err == nil:
		ds.metrics.RecordOperation(op, metrics.StatusSuccess, elapsed)
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		ds.metrics.RecordOperation(op, metrics.StatusNotFound, elapsed)
		return errors.New(fmt.Errorf("%s: %w", op, errors.ErrNotFound)).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Build()
	default:
		ds.metrics.RecordOperation(op, metrics.StatusError, elapsed)
		return errors.New(fmt.Errorf("%s: %w", op, err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Context("operation", op).
			Build()
	}
}

// InsertSensorSamples writes all samples in one INSERT statement.
// The batch succeeds or fails as a whole.
func (ds *DataStore) InsertSensorSamples(ctx context.Context, samples []SensorSample) error {
	const op = "insert_sensor_samples"
	if len(samples) == 0 {
		return nil
	}
	if err := ds.ready(op); err != nil {
		return err
	}

	start := time.Now()
	err := ds.DB.WithContext(ctx).Create(&samples).Error
	if err == nil {
		ds.metrics.RecordRowsWritten(TableSensorData, len(samples))
	}
	return ds.finish(op, start, err)
}

// InsertPosition appends a position fix
func (ds *DataStore) InsertPosition(ctx context.Context, rec *PositionRecord) error {
	const op = "insert_position"
	if err := ds.ready(op); err != nil {
		return err
	}

	start := time.Now()
	err := ds.DB.WithContext(ctx).Create(rec).Error
	if err == nil {
		ds.metrics.RecordRowsWritten(TablePositions, 1)
	}
	return ds.finish(op, start, err)
}

// InsertDetection appends an object detection
func (ds *DataStore) InsertDetection(ctx context.Context, rec *DetectionRecord) error {
	const op = "insert_detection"
	if err := ds.ready(op); err != nil {
		return err
	}

	start := time.Now()
	err := ds.DB.WithContext(ctx).Create(rec).Error
	if err == nil {
		ds.metrics.RecordRowsWritten(TableObjectDetection, 1)
	}
	return ds.finish(op, start, err)
}

// LatestSample returns the newest sample of kind for the owner
func (ds *DataStore) LatestSample(ctx context.Context, ownerID int64, kind string) (SensorSample, error) {
	const op = "latest_sample"
	var sample SensorSample
	if err := ds.ready(op); err != nil {
		return sample, err
	}

	start := time.Now()
	err := ds.DB.WithContext(ctx).
		Where("owner_id = ? AND kind = ?", ownerID, kind).
		Order("timestamp DESC").
		Order("id DESC").
		First(&sample).Error
	return sample, ds.finish(op, start, err)
}

// LatestPosition returns the newest position fix of the device
func (ds *DataStore) LatestPosition(ctx context.Context, ownerID int64, deviceID string) (PositionRecord, error) {
	const op = "latest_position"
	var rec PositionRecord
	if err := ds.ready(op); err != nil {
		return rec, err
	}

	start := time.Now()
	err := ds.DB.WithContext(ctx).
		Where("owner_id = ? AND device_id = ?", ownerID, deviceID).
		Order("timestamp DESC").
		Order("id DESC").
		First(&rec).Error
	return rec, ds.finish(op, start, err)
}

// RecentDetections returns up to limit detections, newest first
func (ds *DataStore) RecentDetections(ctx context.Context, ownerID int64, deviceID string, limit int) ([]DetectionRecord, error) {
	const op = "recent_detections"
	if err := ds.ready(op); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	start := time.Now()
	var recs []DetectionRecord
	err := ds.DB.WithContext(ctx).
		Where("owner_id = ? AND device_id = ?", ownerID, deviceID).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, ds.finish(op, start, err)
}

// SensorStats aggregates samples of kind recorded at or after since
func (ds *DataStore) SensorStats(ctx context.Context, ownerID int64, kind string, since time.Time) (SensorStats, error) {
	const op = "sensor_stats"
	stats := SensorStats{Kind: kind}
	if err := ds.ready(op); err != nil {
		return stats, err
	}

	var row struct {
		Count int64
		Avg   *float64
		Min   *float64
		Max   *float64
	}

	start := time.Now()
	err := ds.DB.WithContext(ctx).
		Model(&SensorSample{}).
		Select("COUNT(*) AS count, AVG(value) AS avg, MIN(value) AS min, MAX(value) AS max").
		Where("owner_id = ? AND kind = ? AND timestamp >= ?", ownerID, kind, since).
		Scan(&row).Error
	if err = ds.finish(op, start, err); err != nil {
		return stats, err
	}

	stats.Count = row.Count
	if row.Avg != nil {
		stats.Avg, stats.Min, stats.Max = *row.Avg, *row.Min, *row.Max
	}
	return stats, nil
}
