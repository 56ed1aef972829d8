//go:build unix

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the child's whole process group.
func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func signalTerminate(cmd *exec.Cmd) error { return signalGroup(cmd, unix.SIGTERM) }
func signalInterrupt(cmd *exec.Cmd) error { return signalGroup(cmd, unix.SIGINT) }
func signalKill(cmd *exec.Cmd) error      { return signalGroup(cmd, unix.SIGKILL) }
