package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rovernet/roverbridge/internal/bridge"
	"github.com/rovernet/roverbridge/internal/buildinfo"
	"github.com/rovernet/roverbridge/internal/conf"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/logger"
)

const sentryFlushTimeout = 2 * time.Second

// Command creates the command that runs the bridge until interrupted
func Command(build *buildinfo.Context) *cobra.Command {
	var initConfig string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the telemetry bridge",
		Long:  "Connect to the device broker, persist telemetry and serve the push channel and HTTP API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if initConfig != "" {
				return writeDefaultConfig(cmd, initConfig)
			}
			return run(cmd, build)
		},
	}

	if err := setupFlags(cmd, &initConfig); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the serve command
func setupFlags(cmd *cobra.Command, initConfig *string) error {
	cmd.Flags().StringVar(initConfig, "init-config", "", "Write a config file with default values to the given path and exit")
	cmd.Flags().String("listen", "", "HTTP listen address")
	cmd.Flags().String("broker", "", "MQTT broker URL")
	cmd.Flags().String("device", "", "Device id served by this bridge")
	cmd.Flags().Bool("norelay", false, "Do not relay raw device messages to sessions")

	bindings := map[string]string{
		"webserver.listen": "listen",
		"mqtt.broker":      "broker",
		"main.deviceid":    "device",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
	}
	return nil
}

func writeDefaultConfig(cmd *cobra.Command, path string) error {
	settings, err := conf.Defaults()
	if err != nil {
		return err
	}
	if err := conf.WriteDefaultConfig(path, settings); err != nil {
		return err
	}
	cmd.Printf("Default configuration written to %s\n", path)
	return nil
}

func run(cmd *cobra.Command, build *buildinfo.Context) error {
	settings, err := conf.Load()
	if err != nil {
		return err
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)
	defer func() { _ = central.Close() }()

	log := central.Module("main")
	if used := conf.ConfigFileUsed(); used != "" {
		log.Info("configuration loaded", logger.String("path", used))
	}

	if settings.Telemetry.Sentry.Enabled {
		reporter, err := errors.InitSentry(settings.Telemetry.Sentry.DSN, settings.Telemetry.Sentry.Environment, build.Version())
		if err != nil {
			log.Warn("error reporting disabled", logger.Error(err))
		} else {
			errors.SetReporter(reporter)
			defer reporter.Flush(sentryFlushTimeout)
		}
	}

	if norelay, _ := cmd.Flags().GetBool("norelay"); norelay {
		settings.Session.RawRelay = false
	}

	b, err := bridge.New(settings,
		bridge.WithLogger(central.Module("bridge")),
		bridge.WithBuildInfo(build))
	if err != nil {
		log.Error("failed to initialize bridge", logger.Error(err))
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	go rotateOnSignal(ctx, hangup, central, log)

	log.Info("starting roverbridge",
		logger.String("version", build.Version()),
		logger.String("build_date", build.BuildDate()))
	return b.Run(ctx)
}
