package main

import (
	"errors"
	"os"

	"github.com/example/service-launcher/cmd"
	"github.com/example/service-launcher/internal/supervisor"
)

func main() {
	if err := cmd.Execute(); err != nil {
		cmd.Log.Error().Err(err).Msg("command failed")
		if errors.Is(err, supervisor.ErrNotReady) {
			// The service process is still running; only readiness timed out.
			os.Exit(2)
		}
		os.Exit(1)
	}
}
