package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/service-launcher/internal/config"
	"github.com/example/service-launcher/internal/shutdown"
	"github.com/example/service-launcher/internal/supervisor"
)

// TestHelperProcess is not a real test: the round-trip test re-executes the
// test binary with this function selected to stand in for the server process.
// It binds the requested port and serves until it is signaled.
func TestHelperProcess(t *testing.T) {
	port := os.Getenv("LAUNCHER_HELPER_PORT")
	if port == "" {
		return
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		os.Exit(1)
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			os.Exit(0)
		}
		conn.Close()
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func helperConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Service.Command = os.Args[0]
	cfg.Service.Args = []string{"-test.run=TestHelperProcess"}
	cfg.Service.Host = "127.0.0.1"
	cfg.Service.Port = port
	cfg.Service.Environment = map[string]string{
		"LAUNCHER_HELPER_PORT": fmt.Sprintf("%d", port),
	}
	cfg.Registry = ""
	cfg.EnvFile = ""
	cfg.Ready.TimeoutS = 10
	cfg.Ready.IntervalMS = 50
	cfg.Detach = true
	return cfg
}

func TestLaunchShutdownRoundTrip(t *testing.T) {
	port := freePort(t)
	cfg := helperConfig(t, port)
	log := zerolog.Nop()

	if err := Launch(context.Background(), cfg, nil, log); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	t.Cleanup(func() {
		c := &shutdown.Controller{Locator: shutdown.PortLocator{Port: port}, Log: zerolog.Nop()}
		c.Shutdown(context.Background())
	})

	procs, err := shutdown.PortLocator{Port: port}.Find(context.Background())
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(procs) == 0 {
		t.Fatal("no process bound to the port after a confirmed-ready launch")
	}

	if err := Shutdown(context.Background(), cfg, "", time.Second, log); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	procs, err = shutdown.PortLocator{Port: port}.Find(context.Background())
	if err != nil {
		t.Fatalf("Find() after shutdown error = %v", err)
	}
	if len(procs) != 0 {
		t.Errorf("processes still bound to port after shutdown: %v", procs)
	}

	// A second shutdown against the now-free port is a clean no-op
	if err := Shutdown(context.Background(), cfg, "", time.Second, log); err != nil {
		t.Errorf("redundant Shutdown() error = %v, want nil", err)
	}
}

func TestLaunchFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Service.Command = "/nonexistent/server-binary"
	cfg.Registry = ""
	cfg.EnvFile = ""

	err := Launch(context.Background(), cfg, nil, zerolog.Nop())
	var launchErr *supervisor.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("Launch() error = %v, want *supervisor.LaunchError", err)
	}
}

func TestLaunchZeroTimeoutNotReady(t *testing.T) {
	cfg := config.Default()
	cfg.Service.Command = "/bin/sh"
	cfg.Service.Args = []string{"-c", "sleep 2"}
	cfg.Service.Port = freePort(t)
	cfg.Registry = ""
	cfg.EnvFile = ""
	cfg.Ready.TimeoutS = 0
	cfg.Detach = true

	err := Launch(context.Background(), cfg, nil, zerolog.Nop())
	if !errors.Is(err, supervisor.ErrNotReady) {
		t.Fatalf("Launch() error = %v, want ErrNotReady", err)
	}
}

func TestShutdownFreePort(t *testing.T) {
	cfg := config.Default()
	cfg.Service.Port = freePort(t)

	if err := Shutdown(context.Background(), cfg, "", time.Second, zerolog.Nop()); err != nil {
		t.Errorf("Shutdown() on free port error = %v, want nil (already stopped)", err)
	}
}

func TestResolveMergesServiceEnvAndOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Registry = ""
	cfg.EnvFile = ""
	cfg.Service.Environment = map[string]string{"FROM_CONFIG": "a", "SHARED": "config"}

	overlay, err := Resolve(context.Background(), cfg, map[string]string{"SHARED": "override"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if overlay["FROM_CONFIG"] != "a" {
		t.Errorf("overlay FROM_CONFIG = %q, want a", overlay["FROM_CONFIG"])
	}
	if overlay["SHARED"] != "override" {
		t.Errorf("overlay SHARED = %q, want override", overlay["SHARED"])
	}
}
