package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/service-launcher/internal/credential"
)

// Handle identifies a launched service process
type Handle struct {
	PID       int
	Port      int
	Command   string
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan error
}

// Done returns a channel that receives the child's wait error once it exits
func (h *Handle) Done() <-chan error {
	return h.done
}

// Alive reports whether the child process is still running
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	// Signal 0 probes for existence without delivering a signal
	return h.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Signal delivers a signal to the child process
func (h *Handle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

// LaunchError indicates the service process could not be started at all
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Spec describes a service process to launch
type Spec struct {
	Command    string
	Args       []string
	WorkingDir string
	Port       int
	Overlay    credential.Overlay

	// Detach starts the child in its own process group so it survives the
	// launcher and is not reached by terminal interrupts.
	Detach bool
}

// Supervisor starts service processes and tracks their handles
type Supervisor struct {
	Log zerolog.Logger
}

// Launch starts the service with the overlay merged over the inherited
// environment. The child inherits standard streams so operator-visible logs
// are not lost. The environment is fully built before spawn; the overlay wins
// on key collisions because later entries override earlier ones.
func (s *Supervisor) Launch(spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, &LaunchError{Command: "(none)", Err: fmt.Errorf("no command configured")}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	cmd.Env = append(os.Environ(), spec.Overlay.Environ()...)

	if spec.Detach {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: spec.Command, Err: err}
	}

	handle := &Handle{
		PID:       cmd.Process.Pid,
		Port:      spec.Port,
		Command:   spec.Command,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan error, 1),
	}

	go func() {
		handle.done <- cmd.Wait()
		close(handle.done)
	}()

	s.Log.Info().
		Int("pid", handle.PID).
		Int("port", handle.Port).
		Str("command", spec.Command).
		Bool("detach", spec.Detach).
		Msg("launched service process")

	return handle, nil
}
