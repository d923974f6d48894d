//go:build unix

package worker

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcessTable answers liveness questions about OS processes and delivers
// signals. Supervision is recomputed from it on every reap rather than from
// callbacks tied to the spawning call, since the spawning process may itself
// have restarted.
type ProcessTable interface {
	Alive(pid int) bool
	// SignalGroup signals the process group led by pid.
	SignalGroup(pid int, sig syscall.Signal) error
}

// LaunchSpec describes one detached worker process.
type LaunchSpec struct {
	Script  string   // wrapper script run by /bin/sh
	WorkDir string   // process working directory
	Env     []string // appended to the supervisor's environment
}

// Launcher starts detached processes.
type Launcher interface {
	Launch(spec LaunchSpec) (pid int, err error)
}

// OSProcessTable is the real process table.
type OSProcessTable struct{}

// Alive reports whether pid exists. EPERM means it exists under another
// user, which still counts.
func (OSProcessTable) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// SignalGroup sends sig to the process group led by pid.
func (OSProcessTable) SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(-pid, sig); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

// ShellLauncher runs wrapper scripts with /bin/sh in a new session so they
// outlive the supervisor and can be signalled as a group.
type ShellLauncher struct {
	Shell string
}

// Launch starts the script and returns its pid without waiting for it.
func (l ShellLauncher) Launch(spec LaunchSpec) (int, error) {
	shell := l.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, spec.Script)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap our own child so it does not linger as a zombie while we run.
	// Liveness is still decided by reconciliation, not by this goroutine.
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("[Supervisor] Worker process %d exited: %v", pid, err)
		}
	}()
	return pid, nil
}
