// Package topics maps device transport topics to measurement kinds.
package topics

import (
	"fmt"
	"strings"
)

// Topic suffixes relative to the configured prefix
const (
	PositionX       = "position/x"
	PositionY       = "position/y"
	PositionHeading = "position/angle"
	Battery         = "navigation/battery"
	Status          = "navigation/status"
	Detection       = "detections/object"
)

// Mapping describes the measurement carried by one concrete topic
type Mapping struct {
	Topic   string // full topic, prefix included
	Kind    string // measurement kind stored with each sample
	Unit    string
	Textual bool // payload is text, not a number
}

// Registry is an immutable topic lookup table built at startup
type Registry struct {
	prefix  string
	byTopic map[string]Mapping
}

// Entry is a registry row with a topic suffix relative to the prefix
type Entry struct {
	Suffix  string
	Kind    string
	Unit    string
	Textual bool
}

// DefaultEntries is the device topic catalogue
var DefaultEntries = []Entry{
	{Suffix: "sensors/temperatura", Kind: "temperatura", Unit: "°C"},
	{Suffix: "sensors/humedad", Kind: "humedad", Unit: "%"},
	{Suffix: "sensors/co2", Kind: "co2", Unit: "ppm"},
	{Suffix: "sensors/pm25", Kind: "pm25", Unit: "µg/m³"},
	{Suffix: "sensors/co", Kind: "co", Unit: "ppm"},
	{Suffix: "sensors/luz", Kind: "luz", Unit: "lux"},
	{Suffix: "sensors/ruido", Kind: "ruido", Unit: "dB"},
	{Suffix: PositionX, Kind: "posicion_x", Unit: "cm"},
	{Suffix: PositionY, Kind: "posicion_y", Unit: "cm"},
	{Suffix: PositionHeading, Kind: "angulo", Unit: "°"},
	{Suffix: Battery, Kind: "bateria", Unit: "%"},
	{Suffix: Status, Kind: "estado", Textual: true},
	{Suffix: "lidar/distance", Kind: "lidar_distancia", Unit: "cm"},
}

// subscriptionRoots are subscribed to with a multi-level wildcard
var subscriptionRoots = []string{"sensors", "position", "navigation", "lidar", "detections"}

// NewRegistry builds a registry under prefix. Each concrete topic may
// appear only once.
func NewRegistry(prefix string, entries []Entry) (*Registry, error) {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return nil, fmt.Errorf("topic prefix must not be empty")
	}

	r := &Registry{
		prefix:  prefix,
		byTopic: make(map[string]Mapping, len(entries)),
	}
	for _, e := range entries {
		if e.Kind == "" {
			return nil, fmt.Errorf("topic %q has no measurement kind", e.Suffix)
		}
		topic := r.Topic(e.Suffix)
		if _, dup := r.byTopic[topic]; dup {
			return nil, fmt.Errorf("topic %q mapped more than once", topic)
		}
		if topic == r.Topic(Detection) {
			return nil, fmt.Errorf("topic %q is reserved for detections", topic)
		}
		r.byTopic[topic] = Mapping{Topic: topic, Kind: e.Kind, Unit: e.Unit, Textual: e.Textual}
	}
	return r, nil
}

// Default returns the registry for the built-in catalogue
func Default(prefix string) (*Registry, error) {
	return NewRegistry(prefix, DefaultEntries)
}

// Resolve returns the mapping for a concrete topic
func (r *Registry) Resolve(topic string) (Mapping, bool) {
	m, ok := r.byTopic[topic]
	return m, ok
}

// Topic joins the prefix and a suffix
func (r *Registry) Topic(suffix string) string {
	return r.prefix + "/" + strings.TrimPrefix(suffix, "/")
}

// Prefix returns the configured topic prefix
func (r *Registry) Prefix() string {
	return r.prefix
}

// Subscriptions returns the wildcard filters the ingest side subscribes to
func (r *Registry) Subscriptions() []string {
	subs := make([]string, 0, len(subscriptionRoots))
	for _, root := range subscriptionRoots {
		subs = append(subs, r.Topic(root+"/#"))
	}
	return subs
}

// IsDetection reports whether topic carries object detection events
func (r *Registry) IsDetection(topic string) bool {
	return topic == r.Topic(Detection)
}

// IsPositionAxis reports whether topic carries a position field
func (r *Registry) IsPositionAxis(topic string) bool {
	switch topic {
	case r.Topic(PositionX), r.Topic(PositionY), r.Topic(PositionHeading):
		return true
	}
	return false
}

// Len returns the number of mapped topics
func (r *Registry) Len() int {
	return len(r.byTopic)
}
