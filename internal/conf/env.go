package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding maps a config key to the environment variables that may set it
type envBinding struct {
	ConfigKey string
	EnvVars   []string
	Validate  func(string) error
}

// getEnvBindings returns the explicit bindings, including the variable
// names used by existing device deployments.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"mqtt.broker", []string{"ROVERBRIDGE_MQTT_BROKER", "MQTT_BROKER"}, validateEnvBrokerURL},
		{"security.jwtsecret", []string{"ROVERBRIDGE_SECURITY_JWTSECRET", "JWT_SECRET"}, nil},
		{"main.deviceid", []string{"ROVERBRIDGE_MAIN_DEVICEID", "ROBOT_ID"}, nil},
		{"main.ownerid", []string{"ROVERBRIDGE_MAIN_OWNERID", "DEFAULT_USER_ID"}, validateEnvOwnerID},
		{"output.mysql.password", []string{"ROVERBRIDGE_OUTPUT_MYSQL_PASSWORD", "MYSQL_PASSWORD"}, nil},
		{"telemetry.sentry.dsn", []string{"ROVERBRIDGE_TELEMETRY_SENTRY_DSN", "SENTRY_DSN"}, nil},
	}
}

// bindEnvVars binds the explicit environment variables and validates any
// values that are set.
func bindEnvVars(v *viper.Viper) error {
	var problems []string

	for _, binding := range getEnvBindings() {
		input := append([]string{binding.ConfigKey}, binding.EnvVars...)
		if err := v.BindEnv(input...); err != nil {
			problems = append(problems, fmt.Sprintf("failed to bind %s: %v", binding.ConfigKey, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		for _, name := range binding.EnvVars {
			value := os.Getenv(name)
			if value == "" {
				continue
			}
			if err := binding.Validate(value); err != nil {
				problems = append(problems, fmt.Sprintf("invalid %s value %q: %v", name, value, err))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func validateEnvBrokerURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("broker URL must look like tcp://host:1883")
	}
	return nil
}

func validateEnvOwnerID(value string) error {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("owner id must be an integer: %w", err)
	}
	if id <= 0 {
		return fmt.Errorf("owner id must be positive, got %d", id)
	}
	return nil
}
