package exec

import (
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Process is a handle to a long-running background process, distinct
// from Executor's run-to-completion model: the VM controller needs to
// spawn the emulator, record its PID, and kill it later.
type Process struct {
	cmd *exec.Cmd
}

// Spawner starts long-running background processes.
type Spawner interface {
	Start(command string, args ...string) (*Process, error)
}

// ProcessSpawner is the concrete host-process Spawner.
type ProcessSpawner struct{}

// NewProcessSpawner creates a ProcessSpawner.
func NewProcessSpawner() *ProcessSpawner {
	return &ProcessSpawner{}
}

// Start launches command and returns immediately with a handle; it does
// not wait for completion.
func (s *ProcessSpawner) Start(command string, args ...string) (*Process, error) {
	cmd := exec.Command(command, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec: failed to start %s: %w", command, err)
	}
	return &Process{cmd: cmd}, nil
}

// PID returns the process id, or -1 if no process was started (spec
// §9: use a distinct sentinel, not 0, for "no PID"). It keeps returning
// the started process's id after Kill; use IsAlive to check liveness.
func (p *Process) PID() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Kill sends SIGKILL to the process and releases wait resources.
func (p *Process) Kill() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(unix.SIGKILL); err != nil {
		return fmt.Errorf("exec: failed to kill pid %d: %w", p.PID(), err)
	}
	_, _ = p.cmd.Process.Wait()
	return nil
}

// IsAlive reports whether pid refers to a live process. A pid <= 0 is
// always considered not alive.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil
}
