// Package conf loads and validates roverbridge settings from a YAML file,
// environment variables and command line flags.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/rovernet/roverbridge/internal/logger"
)

// EnvPrefix is prepended to every automatic environment variable
const EnvPrefix = "ROVERBRIDGE"

// Settings is the root of the configuration tree
type Settings struct {
	Main struct {
		Name     string // instance name reported in health and telemetry
		DeviceID string // device the bridge serves
		OwnerID  int64  // owner that device-originated records belong to
	}

	MQTT MQTTSettings

	Output struct {
		SQLite SQLiteSettings
		MySQL  MySQLSettings
	}

	WebServer struct {
		Listen           string  // address the HTTP server binds to
		CommandRateLimit float64 // command requests per second
		CommandBurst     int
	}

	Security struct {
		JWTSecret string
		TokenTTL  time.Duration // lifetime of tokens minted by the token command
	}

	Timers TimerSettings

	Session SessionSettings

	Broadcast struct {
		Tracked []TrackedKind
	}

	Logging logger.LoggingConfig

	Telemetry struct {
		Sentry struct {
			Enabled     bool
			DSN         string
			Environment string
		}
	}
}

// MQTTSettings configures the device transport
type MQTTSettings struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// SQLiteSettings configures the SQLite backend
type SQLiteSettings struct {
	Enabled bool
	Path    string
}

// MySQLSettings configures the MySQL backend
type MySQLSettings struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// TimerSettings holds the periods of the recurring tasks
type TimerSettings struct {
	Heartbeat     time.Duration
	Broadcast     time.Duration
	Flush         time.Duration
	ShutdownGrace time.Duration
	StoreTimeout  time.Duration
}

// SessionSettings configures the WebSocket push channel
type SessionSettings struct {
	RawRelay       bool
	SendBuffer     int
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

// TrackedKind maps a snapshot key to the measurement kind it reports
type TrackedKind struct {
	Key  string
	Kind string
}

var (
	settingsMutex    sync.RWMutex
	settingsInstance *Settings
)

// Load reads the configuration, applies environment overrides and
// validates the result. Any error is fatal for the caller.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	v := viper.GetViper()
	if err := initViper(v); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settings, nil
}

// GetSettings returns the settings loaded by the last successful Load
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

func initViper(v *viper.Viper) error {
	// SetConfigName would discard a file chosen with --config
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range defaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// defaults plus environment are a complete configuration
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// defaultConfigPaths lists the directories searched for config.yaml
func defaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "roverbridge"))
	}
	return append(paths, "/etc/roverbridge")
}

// ConfigFileUsed returns the path of the loaded config file, if any
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
