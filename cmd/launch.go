package cmd

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/service-launcher/internal/app"
)

func NewLaunchCmd() *cobra.Command {
	var (
		port    int
		timeout int
		detach  bool
		envKVs  []string
	)

	cmd := &cobra.Command{
		Use:   "launch [-- command args...]",
		Short: "Resolve credentials and start the service",
		Long: `Builds the environment overlay from the env file and credential registry,
starts the service process with it, and polls for readiness. Exit codes:
0 confirmed ready, 1 launch failure, 2 ready-check timeout (process left
running).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				Config.Service.Port = port
			}
			if cmd.Flags().Changed("timeout") {
				Config.Ready.TimeoutS = timeout
			}
			if detach {
				Config.Detach = true
			}
			if len(args) > 0 {
				Config.Service.Command = args[0]
				Config.Service.Args = args[1:]
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return app.Launch(ctx, Config, parseEnvFlags(envKVs), Log)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override the service port")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "readiness timeout in seconds (0 disables the wait)")
	cmd.Flags().BoolVar(&detach, "detach", false, "leave the service running and exit once ready")
	cmd.Flags().StringArrayVar(&envKVs, "env", nil, "extra environment entry KEY=VALUE (repeatable)")
	return cmd
}

// parseEnvFlags turns repeated KEY=VALUE flags into an override map.
// Entries without '=' become boolean-style "true" values.
func parseEnvFlags(kvs []string) map[string]string {
	overrides := make(map[string]string)
	for _, kv := range kvs {
		if key, value, found := strings.Cut(kv, "="); found {
			overrides[key] = value
		} else if kv != "" {
			overrides[kv] = "true"
		}
	}
	return overrides
}
