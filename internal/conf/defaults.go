package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers the default value of every setting
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("main.name", "roverbridge")
	v.SetDefault("main.deviceid", "1")
	v.SetDefault("main.ownerid", 1)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientid", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topicprefix", "device")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connecttimeout", 30*time.Second)
	v.SetDefault("mqtt.publishtimeout", 10*time.Second)

	v.SetDefault("output.sqlite.enabled", true)
	v.SetDefault("output.sqlite.path", "roverbridge.db")
	v.SetDefault("output.mysql.enabled", false)
	v.SetDefault("output.mysql.host", "localhost")
	v.SetDefault("output.mysql.port", 3306)
	v.SetDefault("output.mysql.username", "")
	v.SetDefault("output.mysql.password", "")
	v.SetDefault("output.mysql.database", "roverbridge")

	v.SetDefault("webserver.listen", ":8080")
	v.SetDefault("webserver.commandratelimit", 5.0)
	v.SetDefault("webserver.commandburst", 10)

	v.SetDefault("security.jwtsecret", "")
	v.SetDefault("security.tokenttl", 7*24*time.Hour)

	v.SetDefault("timers.heartbeat", 30*time.Second)
	v.SetDefault("timers.broadcast", 5*time.Second)
	v.SetDefault("timers.flush", 30*time.Second)
	v.SetDefault("timers.shutdowngrace", 10*time.Second)
	v.SetDefault("timers.storetimeout", 5*time.Second)

	v.SetDefault("session.rawrelay", true)
	v.SetDefault("session.sendbuffer", 64)
	v.SetDefault("session.writetimeout", 10*time.Second)
	v.SetDefault("session.maxmessagesize", 4096)

	v.SetDefault("broadcast.tracked", []map[string]any{
		{"key": "temperature", "kind": "temperatura"},
		{"key": "humidity", "kind": "humedad"},
		{"key": "co", "kind": "co"},
	})

	v.SetDefault("logging.defaultlevel", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.fileoutput.enabled", false)
	v.SetDefault("logging.fileoutput.path", "logs/roverbridge.log")
	v.SetDefault("logging.fileoutput.level", "info")
	v.SetDefault("logging.fileoutput.maxsize", 100)
	v.SetDefault("logging.fileoutput.maxage", 30)
	v.SetDefault("logging.fileoutput.maxbackups", 10)
	v.SetDefault("logging.fileoutput.compress", false)

	v.SetDefault("telemetry.sentry.enabled", false)
	v.SetDefault("telemetry.sentry.dsn", "")
	v.SetDefault("telemetry.sentry.environment", "production")
}
