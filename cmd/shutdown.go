package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/service-launcher/internal/app"
)

func NewShutdownCmd() *cobra.Command {
	var (
		port    int
		graceS  int
		pattern string
	)

	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the running service",
		Long: `Discovers the service by bound port (or a process-name pattern), sends a
termination request, waits out the grace period, and force-kills anything
still alive. Exit codes: 0 stopped or already stopped, 1 if a process
survives the force kill.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				Config.Service.Port = port
			}
			grace := Config.GracePeriod()
			if cmd.Flags().Changed("grace") {
				grace = time.Duration(graceS) * time.Second
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return app.Shutdown(ctx, Config, pattern, grace, Log)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "port the service is bound to")
	cmd.Flags().IntVar(&graceS, "grace", 0, "grace period in seconds before force-killing")
	cmd.Flags().StringVar(&pattern, "name", "", "discover by process-name pattern instead of port")
	return cmd
}
