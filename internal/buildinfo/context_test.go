package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ctx  *Context
		want string
	}{
		{name: "nil context", ctx: nil, want: UnknownValue},
		{name: "empty version", ctx: NewContext("", "2026-01-01"), want: UnknownValue},
		{name: "whitespace version", ctx: NewContext("  ", "2026-01-01"), want: UnknownValue},
		{name: "valid version", ctx: NewContext("1.2.0", "2026-01-01"), want: "1.2.0"},
		{name: "pre-release", ctx: NewContext("1.2.0-rc.1", "2026-01-01"), want: "1.2.0-rc.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ctx.Version())
		})
	}
}

func TestContextBuildDate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, UnknownValue, (*Context)(nil).BuildDate())
	assert.Equal(t, UnknownValue, NewContext("1.0.0", "").BuildDate())
	assert.Equal(t, "2026-03-01T10:00:00Z", NewContext("1.0.0", "2026-03-01T10:00:00Z").BuildDate())
}

func TestContextInstanceID(t *testing.T) {
	t.Parallel()

	a := NewContext("1.0.0", "")
	b := NewContext("1.0.0", "")

	assert.Len(t, a.InstanceID(), 8)
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())
	assert.Equal(t, UnknownValue, (*Context)(nil).InstanceID())
}

func TestContextImplementsBuildInfo(t *testing.T) {
	t.Parallel()

	var info BuildInfo = NewContext("1.0.0", "")
	assert.Equal(t, "1.0.0", info.Version())
}
