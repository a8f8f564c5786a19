package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/service-launcher/internal/config"
	"github.com/example/service-launcher/internal/credential"
	"github.com/example/service-launcher/internal/shutdown"
	"github.com/example/service-launcher/internal/supervisor"
)

// ErrStopFailed is returned by Shutdown when a process could not be confirmed
// stopped. Repeated invocation is the retry mechanism; there is no automatic
// retry.
var ErrStopFailed = errors.New("could not confirm service shutdown")

// Resolve builds the environment overlay from the configured env file and
// credential registry plus caller overrides.
func Resolve(ctx context.Context, cfg *config.Config, overrides map[string]string, log zerolog.Logger) (credential.Overlay, error) {
	merged := make(map[string]string)
	for k, v := range cfg.Service.Environment {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	resolver := &credential.Resolver{
		RegistryPath: cfg.Registry,
		EnvFilePath:  cfg.EnvFile,
		Overrides:    merged,
		Log:          log,
	}
	return resolver.Resolve(ctx)
}

// Launch resolves credentials, starts the service process and waits for it to
// become ready. Credential resolution strictly precedes launch so the child
// sees a fully-built environment at spawn time. A readiness timeout returns
// supervisor.ErrNotReady with the child left running. In attached mode Launch
// then supervises the child until it exits or the context is interrupted, in
// which case the child is shut down before returning.
func Launch(ctx context.Context, cfg *config.Config, overrides map[string]string, log zerolog.Logger) error {
	overlay, err := Resolve(ctx, cfg, overrides, log)
	if err != nil {
		return err
	}

	sup := &supervisor.Supervisor{Log: log}
	handle, err := sup.Launch(supervisor.Spec{
		Command:    cfg.Service.Command,
		Args:       cfg.Service.Args,
		WorkingDir: cfg.Service.WorkingDir,
		Port:       cfg.Service.Port,
		Overlay:    overlay,
		Detach:     cfg.Detach,
	})
	if err != nil {
		return err
	}

	check := supervisor.ReadyCheck{
		Probe:    supervisor.Probe(cfg.Ready.Probe),
		Host:     cfg.ProbeHost(),
		Port:     cfg.Service.Port,
		Path:     cfg.Ready.Path,
		Timeout:  cfg.ReadyTimeout(),
		Interval: cfg.ReadyInterval(),
	}

	switch err := sup.WaitReady(ctx, check); {
	case err == nil:
	case errors.Is(err, supervisor.ErrNotReady):
		log.Warn().
			Int("pid", handle.PID).
			Int("port", handle.Port).
			Msg("service not confirmed ready, leaving process running")
		return err
	case errors.Is(err, context.Canceled):
		// Interrupted mid-wait: no dangling children on a clean interrupt.
		log.Info().Int("pid", handle.PID).Msg("interrupted during readiness wait, shutting service down")
		return stopHandle(handle, cfg.GracePeriod(), log)
	default:
		return err
	}

	if cfg.Detach {
		log.Info().Int("pid", handle.PID).Int("port", handle.Port).Msg("service running detached")
		return nil
	}

	return supervise(ctx, sup, handle, check, cfg.GracePeriod(), log)
}

// supervise ties the launcher's lifetime to the child: it monitors health,
// propagates an interrupt as a graceful shutdown, and reports an unexpected
// child exit as an error.
func supervise(ctx context.Context, sup *supervisor.Supervisor, handle *supervisor.Handle, check supervisor.ReadyCheck, grace time.Duration, log zerolog.Logger) error {
	monitorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sup.Monitor(monitorCtx, check, 30*time.Second, nil)

	select {
	case err := <-handle.Done():
		if err != nil {
			return fmt.Errorf("service process exited: %w", err)
		}
		log.Info().Int("pid", handle.PID).Msg("service process exited cleanly")
		return nil
	case <-ctx.Done():
		log.Info().Int("pid", handle.PID).Msg("interrupt received, shutting service down")
		return stopHandle(handle, grace, log)
	}
}

// stopHandle gracefully terminates a child we launched ourselves. It uses a
// fresh context because the invoking one is already canceled.
func stopHandle(handle *supervisor.Handle, grace time.Duration, log zerolog.Logger) error {
	controller := &shutdown.Controller{
		Locator: shutdown.HandleLocator{PID: int32(handle.PID)},
		Grace:   grace,
		Log:     log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()

	result, err := controller.Shutdown(ctx)
	if err != nil {
		return err
	}
	if result == shutdown.StopFailed {
		return ErrStopFailed
	}
	return nil
}

// Shutdown terminates whatever process currently matches the discovery key.
// It holds no state from any previous launch; a cold shutdown from a fresh
// invocation discovers the process by port or name pattern.
func Shutdown(ctx context.Context, cfg *config.Config, pattern string, grace time.Duration, log zerolog.Logger) error {
	var locator shutdown.Locator
	if pattern != "" {
		locator = shutdown.NameLocator{Pattern: pattern}
	} else {
		locator = shutdown.PortLocator{Port: cfg.Service.Port}
	}

	controller := &shutdown.Controller{
		Locator: locator,
		Grace:   grace,
		Log:     log,
	}

	result, err := controller.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if result == shutdown.StopFailed {
		return ErrStopFailed
	}
	return nil
}

// Status reports the processes currently holding the service port
func Status(ctx context.Context, cfg *config.Config) ([]shutdown.Proc, error) {
	return shutdown.PortLocator{Port: cfg.Service.Port}.Find(ctx)
}
