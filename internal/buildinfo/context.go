// Package buildinfo carries build-time metadata, kept apart from user configuration
package buildinfo

import (
	"strings"

	"github.com/google/uuid"
)

// UnknownValue is reported for metadata the build did not set
const UnknownValue = "unknown"

// BuildInfo provides read access to build metadata
type BuildInfo interface {
	Version() string
	BuildDate() string
	InstanceID() string
}

// Context holds the metadata of the running binary. InstanceID changes on
// every start and tells restarts apart in logs and error reports.
type Context struct {
	version    string
	buildDate  string
	instanceID string
}

// NewContext returns build metadata with a fresh instance id
func NewContext(version, buildDate string) *Context {
	return &Context{
		version:    strings.TrimSpace(version),
		buildDate:  strings.TrimSpace(buildDate),
		instanceID: strings.Split(uuid.NewString(), "-")[0],
	}
}

// Version returns the build version
func (c *Context) Version() string {
	if c == nil || c.version == "" {
		return UnknownValue
	}
	return c.version
}

// BuildDate returns the build date
func (c *Context) BuildDate() string {
	if c == nil || c.buildDate == "" {
		return UnknownValue
	}
	return c.buildDate
}

// InstanceID returns the id of this process
func (c *Context) InstanceID() string {
	if c == nil || c.instanceID == "" {
		return UnknownValue
	}
	return c.instanceID
}
