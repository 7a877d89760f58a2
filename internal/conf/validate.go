package conf

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError collects every problem found in the settings
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) error{
		validateMQTTSettings,
		validateSecuritySettings,
		validateOutputSettings,
		validateTimerSettings,
		validateBroadcastSettings,
	}
	for _, validate := range validators {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if settings.Main.DeviceID == "" {
		ve.Errors = append(ve.Errors, "main.deviceid must not be empty")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateMQTTSettings(s *Settings) error {
	if s.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	u, err := url.Parse(s.MQTT.Broker)
	if err != nil || u.Host == "" {
		return fmt.Errorf("mqtt.broker %q is not a valid broker URL", s.MQTT.Broker)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.broker scheme %q is not supported", u.Scheme)
	}
	if s.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if strings.Trim(s.MQTT.TopicPrefix, "/") == "" {
		return fmt.Errorf("mqtt.topicprefix must not be empty")
	}
	return nil
}

func validateSecuritySettings(s *Settings) error {
	if s.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwtsecret is required")
	}
	return nil
}

func validateOutputSettings(s *Settings) error {
	sqlite, mysql := s.Output.SQLite, s.Output.MySQL
	switch {
	case !sqlite.Enabled && !mysql.Enabled:
		return fmt.Errorf("one of output.sqlite or output.mysql must be enabled")
	case sqlite.Enabled && mysql.Enabled:
		return fmt.Errorf("output.sqlite and output.mysql cannot both be enabled")
	case sqlite.Enabled && sqlite.Path == "":
		return fmt.Errorf("output.sqlite.path is required")
	case mysql.Enabled && (mysql.Host == "" || mysql.Database == ""):
		return fmt.Errorf("output.mysql.host and output.mysql.database are required")
	}
	return nil
}

func validateTimerSettings(s *Settings) error {
	t := s.Timers
	if t.Heartbeat <= 0 || t.Broadcast <= 0 || t.Flush <= 0 {
		return fmt.Errorf("timers.heartbeat, timers.broadcast and timers.flush must be positive")
	}
	if t.ShutdownGrace <= 0 || t.StoreTimeout <= 0 {
		return fmt.Errorf("timers.shutdowngrace and timers.storetimeout must be positive")
	}
	return nil
}

func validateBroadcastSettings(s *Settings) error {
	if len(s.Broadcast.Tracked) == 0 {
		return fmt.Errorf("broadcast.tracked must list at least one measurement kind")
	}
	seen := make(map[string]bool, len(s.Broadcast.Tracked))
	for _, tk := range s.Broadcast.Tracked {
		if tk.Key == "" || tk.Kind == "" {
			return fmt.Errorf("broadcast.tracked entries need both key and kind")
		}
		if seen[tk.Key] {
			return fmt.Errorf("broadcast.tracked key %q is duplicated", tk.Key)
		}
		seen[tk.Key] = true
	}
	return nil
}
