package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/service-launcher/internal/config"
)

var (
	cfgFile string
	Config  *config.Config
	Log     zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "svclauncher",
	Short: "Launch and shut down a credentialed network service",
	Long: `A launcher that resolves API credentials into an environment overlay,
starts a long-running server process, waits for it to become ready, and can
later shut it down cleanly by port-based process discovery.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Config, err = config.Load(cfgFile)
		if errors.Is(err, config.ErrConfigMissing) {
			Log.Warn().Str("path", cfgFile).Msg("config file not found, using defaults")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "launcher.json", "config file path")
	rootCmd.AddCommand(NewLaunchCmd())
	rootCmd.AddCommand(NewShutdownCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewEnvCmd())
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
