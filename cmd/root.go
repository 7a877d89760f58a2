package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rovernet/roverbridge/cmd/serve"
	"github.com/rovernet/roverbridge/cmd/token"
	"github.com/rovernet/roverbridge/internal/buildinfo"
)

// RootCommand creates and returns the root command
func RootCommand(build *buildinfo.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "roverbridge",
		Short:         "Telemetry bridge between a rover and its operators",
		Version:       build.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd); err != nil {
		// flag definitions are static, a failure here is a programming error
		panic(err)
	}

	rootCmd.AddCommand(
		serve.Command(build),
		token.Command(),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			viper.SetConfigFile(path)
		}
		return nil
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command) error {
	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml (default: ./, ~/.config/roverbridge, /etc/roverbridge)")
	rootCmd.PersistentFlags().String("loglevel", "", "Default log level (trace, debug, info, warn, error)")

	if err := viper.BindPFlag("logging.defaultlevel", rootCmd.PersistentFlags().Lookup("loglevel")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
