//go:build unix

package bridge

import (
	"errors"
	"os/exec"
	"syscall"
)

// The shell is a session leader (pty.Start sets Setsid), so its pid is also
// its process group id and signalling -pid reaches every job it started.

func hangup(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGHUP) }

func kill(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGKILL) }

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
