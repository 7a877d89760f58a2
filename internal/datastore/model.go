package datastore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Table names
const (
	TableSensorData      = "sensor_data"
	TablePositions       = "device_positions"
	TableObjectDetection = "object_detections"
)

// Metadata is a free-form JSON object stored in a text column
type Metadata map[string]any

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported metadata column type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// GormDataType stores metadata as text on every backend
func (Metadata) GormDataType() string {
	return "text"
}

// SensorSample is one persisted measurement
type SensorSample struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OwnerID   int64     `gorm:"not null;index:idx_sensor_owner_kind_time,priority:1" json:"owner_id"`
	DeviceID  string    `gorm:"size:64;not null" json:"device_id"`
	Kind      string    `gorm:"size:64;not null;index:idx_sensor_owner_kind_time,priority:2" json:"kind"`
	Value     float64   `json:"value"`
	Unit      string    `gorm:"size:16" json:"unit"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	Timestamp time.Time `gorm:"not null;index:idx_sensor_owner_kind_time,priority:3" json:"timestamp"`
}

// TableName overrides GORM's pluralized default
func (SensorSample) TableName() string { return TableSensorData }

// Text column widths of the record tables
const (
	MaxStatusLen = 32
	MaxObjectLen = 128
)

// PositionRecord is a position fix of the device
type PositionRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DeviceID  string    `gorm:"size:64;not null;index:idx_position_owner_device_time,priority:2" json:"device_id"`
	OwnerID   int64     `gorm:"not null;index:idx_position_owner_device_time,priority:1" json:"owner_id"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Heading   float64   `json:"heading"`
	Battery   float64   `json:"battery"`
	Status    string    `gorm:"size:32" json:"status"`
	Timestamp time.Time `gorm:"not null;index:idx_position_owner_device_time,priority:3" json:"timestamp"`
}

func (PositionRecord) TableName() string { return TablePositions }

// DetectionRecord is an object the device reported seeing
type DetectionRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DeviceID   string    `gorm:"size:64;not null;index:idx_detection_owner_device_time,priority:2" json:"device_id"`
	OwnerID    int64     `gorm:"not null;index:idx_detection_owner_device_time,priority:1" json:"owner_id"`
	Object     string    `gorm:"size:128;not null" json:"object"`
	Confidence float64   `json:"confidence"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Distance   float64   `json:"distance"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	Timestamp  time.Time `gorm:"not null;index:idx_detection_owner_device_time,priority:3" json:"timestamp"`
}

func (DetectionRecord) TableName() string { return TableObjectDetection }

// SensorStats aggregates the samples of one kind
type SensorStats struct {
	Kind  string  `json:"kind"`
	Count int64   `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}
