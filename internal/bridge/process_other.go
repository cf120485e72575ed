//go:build !unix

package bridge

import (
	"errors"
	"os"
	"os/exec"
)

// Without process groups the shell itself is the only target.

func hangup(cmd *exec.Cmd) error { return kill(cmd) }

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
