package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/example/service-launcher/internal/app"
)

func NewEnvCmd() *cobra.Command {
	var showValues bool

	cmd := &cobra.Command{
		Use:   "env",
		Short: "Print the resolved environment overlay",
		Long: `Resolves the env file and credential registry exactly as launch would and
prints the resulting overlay keys. Values are redacted unless --show-values
is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			overlay, err := app.Resolve(context.Background(), Config, nil, Log)
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(overlay))
			for k := range overlay {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			for _, k := range keys {
				if showValues {
					fmt.Printf("%s=%s\n", k, overlay[k])
				} else {
					fmt.Printf("%s=<redacted>\n", k)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showValues, "show-values", false, "print credential values instead of redacting them")
	return cmd
}
