package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/service-launcher/internal/app"
)

func NewStatusCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which processes hold the service port",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port > 0 {
				Config.Service.Port = port
			}

			procs, err := app.Status(context.Background(), Config)
			if err != nil {
				return err
			}

			if len(procs) == 0 {
				fmt.Printf("No process is listening on port %d\n", Config.Service.Port)
				return nil
			}

			fmt.Printf("Port %d:\n", Config.Service.Port)
			for _, p := range procs {
				fmt.Printf("  pid %d  %s\n", p.PID, p.Name)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "port to inspect")
	return cmd
}
