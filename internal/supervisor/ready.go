package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrNotReady indicates the readiness probe never succeeded within its
// timeout. The process is left running; the caller decides whether that is
// fatal.
var ErrNotReady = errors.New("service did not become ready within timeout")

// Probe identifies a readiness probe strategy
type Probe string

const (
	ProbeTCP  Probe = "tcp"
	ProbeHTTP Probe = "http"
	ProbeGRPC Probe = "grpc"
)

// ReadyCheck configures the readiness poll performed after launch
type ReadyCheck struct {
	Probe    Probe
	Host     string
	Port     int
	Path     string // http probe only
	Timeout  time.Duration
	Interval time.Duration
}

func (c ReadyCheck) address() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// WaitReady polls the service at a fixed interval until the probe succeeds,
// the timeout elapses (ErrNotReady), or the context is canceled. A timeout of
// zero performs no polling and returns ErrNotReady immediately.
func (s *Supervisor) WaitReady(ctx context.Context, check ReadyCheck) error {
	if check.Interval <= 0 {
		check.Interval = 200 * time.Millisecond
	}
	if check.Timeout <= 0 {
		return ErrNotReady
	}

	deadline := time.Now().Add(check.Timeout)
	s.Log.Info().
		Str("probe", string(check.Probe)).
		Str("address", check.address()).
		Dur("timeout", check.Timeout).
		Msg("waiting for service to become ready")

	for {
		if err := probeOnce(ctx, check); err == nil {
			s.Log.Info().Str("address", check.address()).Msg("service is ready")
			return nil
		}

		if time.Now().After(deadline) {
			return ErrNotReady
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(check.Interval):
		}
	}
}

// Monitor keeps probing a running service and invokes onUnhealthy each time
// a probe fails. It returns when the context is canceled.
func (s *Supervisor) Monitor(ctx context.Context, check ReadyCheck, interval time.Duration, onUnhealthy func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := probeOnce(ctx, check); err != nil {
				s.Log.Warn().Err(err).Str("address", check.address()).Msg("health probe failed")
				if onUnhealthy != nil {
					onUnhealthy(err)
				}
			}
		}
	}
}

// probeOnce performs a single bounded readiness probe
func probeOnce(ctx context.Context, check ReadyCheck) error {
	attemptCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	switch check.Probe {
	case ProbeHTTP:
		return probeHTTP(attemptCtx, check)
	case ProbeGRPC:
		return probeGRPC(attemptCtx, check)
	default:
		return probeTCP(attemptCtx, check)
	}
}

func probeTCP(ctx context.Context, check ReadyCheck) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", check.address())
	if err != nil {
		return err
	}
	return conn.Close()
}

func probeHTTP(ctx context.Context, check ReadyCheck) error {
	path := check.Path
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+check.address()+path, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func probeGRPC(ctx context.Context, check ReadyCheck) error {
	conn, err := grpc.Dial(check.address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %v", check.address(), err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service reported status %s", resp.Status)
	}
	return nil
}
