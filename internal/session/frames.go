package session

import (
	"encoding/json"
	"time"
)

// Frame types exchanged on the push channel
const (
	TypeAuth         = "auth"
	TypeAuthOK       = "auth_ok"
	TypeError        = "error"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeSensorData   = "sensor_data"
	TypeSensorUpdate = "sensor_update"
)

// ErrTokenInvalid is the error code sent before an authentication close
const ErrTokenInvalid = "token_invalid"

// Close codes
const (
	CloseNormal      = 1000
	CloseAuthFailure = 4001
)

// inbound is any client frame. Unknown types are ignored.
type inbound struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// AuthOK acknowledges a successful handshake
type AuthOK struct {
	Type    string `json:"type"`
	OwnerID int64  `json:"owner_id"`
}

// ErrorFrame reports a fatal session error
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Pong answers an application level ping
type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// SensorData is the periodic per-owner snapshot
type SensorData struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Data      map[string]float64 `json:"data"`
}

// SensorUpdate relays one raw device message
type SensorUpdate struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSensorData builds a snapshot frame
func NewSensorData(at time.Time, data map[string]float64) SensorData {
	return SensorData{Type: TypeSensorData, Timestamp: at.UTC(), Data: data}
}

// frameType returns the "type" of an encoded frame for metrics
func frameType(v any) string {
	switch f := v.(type) {
	case AuthOK:
		return f.Type
	case ErrorFrame:
		return f.Type
	case Pong:
		return f.Type
	case SensorData:
		return f.Type
	case SensorUpdate:
		return f.Type
	default:
		return "other"
	}
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
