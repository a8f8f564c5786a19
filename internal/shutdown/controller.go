package shutdown

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Result is the outcome of a shutdown attempt
type Result int

const (
	// AlreadyStopped means discovery found no matching process
	AlreadyStopped Result = iota
	// Stopped means every matched process terminated
	Stopped
	// StopFailed means at least one process survived the force kill, or a
	// new process took over the discovery key during shutdown
	StopFailed
)

func (r Result) String() string {
	switch r {
	case AlreadyStopped:
		return "already stopped"
	case Stopped:
		return "stopped"
	case StopFailed:
		return "stop failed"
	default:
		return "unknown"
	}
}

// Controller performs graceful-then-forceful termination with a bounded
// wait: discover, SIGTERM, poll for exit up to the grace period, SIGKILL
// survivors, then re-verify via discovery.
type Controller struct {
	Locator  Locator
	Signaler Signaler

	// Grace bounds the wait between the termination request and the force
	// kill. Defaults to 1s.
	Grace time.Duration

	// PollInterval is the liveness poll cadence during the grace period.
	// Defaults to 100ms.
	PollInterval time.Duration

	Log zerolog.Logger
}

// Shutdown runs the two-phase termination state machine. Zero matches is not
// an error; invoking Shutdown against an already-stopped target is a no-op.
func (c *Controller) Shutdown(ctx context.Context) (Result, error) {
	signaler := c.Signaler
	if signaler == nil {
		signaler = OSSignaler{}
	}
	grace := c.Grace
	if grace <= 0 {
		grace = time.Second
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	procs, err := c.Locator.Find(ctx)
	if err != nil {
		return StopFailed, err
	}
	if len(procs) == 0 {
		c.Log.Info().Str("target", c.Locator.Describe()).Msg("no matching process, already stopped")
		return AlreadyStopped, nil
	}

	for _, p := range procs {
		c.Log.Info().Int32("pid", p.PID).Str("name", p.Name).Msg("sending termination request")
		if err := signaler.Terminate(ctx, p.PID); err != nil {
			c.Log.Warn().Err(err).Int32("pid", p.PID).Msg("termination request failed")
		}
	}

	survivors := c.waitForExit(ctx, signaler, procs, grace, interval)

	for _, p := range survivors {
		c.Log.Warn().Int32("pid", p.PID).Str("name", p.Name).Msg("grace period expired, force-killing")
		if err := signaler.Kill(ctx, p.PID); err != nil {
			c.Log.Warn().Err(err).Int32("pid", p.PID).Msg("force kill failed")
		}
	}
	if len(survivors) > 0 {
		// Give the kernel a moment to reap before verifying
		c.sleep(ctx, interval)
	}

	remaining, err := c.Locator.Find(ctx)
	if err != nil {
		return StopFailed, err
	}
	if len(remaining) > 0 {
		for _, p := range remaining {
			c.Log.Error().Int32("pid", p.PID).Str("name", p.Name).Str("target", c.Locator.Describe()).
				Msg("process still present after force kill")
		}
		return StopFailed, nil
	}

	c.Log.Info().Str("target", c.Locator.Describe()).Msg("shutdown confirmed")
	return Stopped, nil
}

// waitForExit polls liveness of the signaled processes until all have exited
// or the grace period elapses, returning the survivors.
func (c *Controller) waitForExit(ctx context.Context, signaler Signaler, procs []Proc, grace, interval time.Duration) []Proc {
	deadline := time.Now().Add(grace)
	for {
		var alive []Proc
		for _, p := range procs {
			if signaler.Alive(ctx, p.PID) {
				alive = append(alive, p)
			}
		}
		if len(alive) == 0 {
			return nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return alive
		}
		c.sleep(ctx, interval)
	}
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
