//go:build unix

package local

import (
	"os/exec"
	"syscall"
)

// killProcessGroup makes cancellation kill the whole process group, so
// commands spawned by the script do not outlive the step.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
