package shutdown

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Proc is one discovered process
type Proc struct {
	PID  int32
	Name string
}

// Locator enumerates the processes a shutdown should act on. Discovery runs
// against live OS state on every call so that a cold shutdown needs no state
// from the launch step.
type Locator interface {
	Find(ctx context.Context) ([]Proc, error)
	Describe() string
}

// PortLocator finds processes listening on a TCP port. Port occupancy is
// ground truth: a process that re-bound the port during shutdown shows up
// here even if a cached handle says the service is dead.
type PortLocator struct {
	Port int
}

func (l PortLocator) Find(ctx context.Context) ([]Proc, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate connections: %w", err)
	}

	seen := make(map[int32]bool)
	var procs []Proc
	for _, conn := range conns {
		if conn.Status != "LISTEN" || conn.Laddr.Port != uint32(l.Port) || conn.Pid <= 0 {
			continue
		}
		if seen[conn.Pid] {
			continue
		}
		seen[conn.Pid] = true
		procs = append(procs, Proc{PID: conn.Pid, Name: processName(ctx, conn.Pid)})
	}
	return procs, nil
}

func (l PortLocator) Describe() string {
	return fmt.Sprintf("port %d", l.Port)
}

// NameLocator finds processes whose name contains a pattern
type NameLocator struct {
	Pattern string
}

func (l NameLocator) Find(ctx context.Context) ([]Proc, error) {
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate processes: %w", err)
	}

	var procs []Proc
	for _, p := range all {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(name, l.Pattern) {
			procs = append(procs, Proc{PID: p.Pid, Name: name})
		}
	}
	return procs, nil
}

func (l NameLocator) Describe() string {
	return fmt.Sprintf("name pattern %q", l.Pattern)
}

// HandleLocator targets a known pid from a live launch handle
type HandleLocator struct {
	PID int32
}

func (l HandleLocator) Find(ctx context.Context) ([]Proc, error) {
	running, err := process.PidExistsWithContext(ctx, l.PID)
	if err != nil || !running {
		return nil, nil
	}
	return []Proc{{PID: l.PID, Name: processName(ctx, l.PID)}}, nil
}

func (l HandleLocator) Describe() string {
	return fmt.Sprintf("pid %d", l.PID)
}

func processName(ctx context.Context, pid int32) string {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ""
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}

// Signaler delivers termination signals and liveness checks. The default
// implementation acts on real OS processes; tests substitute a fake.
type Signaler interface {
	Terminate(ctx context.Context, pid int32) error
	Kill(ctx context.Context, pid int32) error
	Alive(ctx context.Context, pid int32) bool
}

// OSSignaler signals real processes via gopsutil
type OSSignaler struct{}

func (OSSignaler) Terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.SendSignalWithContext(ctx, syscall.SIGTERM)
}

func (OSSignaler) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

func (OSSignaler) Alive(ctx context.Context, pid int32) bool {
	running, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && running
}
