//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// IsRunning reports the recorded PID and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// FindProcess always succeeds on Windows; check with a zero signal.
	err = proc.Signal(syscall.Signal(0))
	return pid, err == nil
}

// Stop terminates the daemon. Windows has no SIGTERM delivery, so the
// process is killed and the next start takes over the stale PID file.
func (p *PIDFile) Stop() (int, error) {
	pid, running := p.IsRunning()
	if !running {
		return 0, fmt.Errorf("sync daemon is not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}
	return pid, proc.Kill()
}
