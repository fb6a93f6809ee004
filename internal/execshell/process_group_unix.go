//go:build unix

package execshell

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup places the command in its own process group so cancellation reaches forked children.
func configureProcessGroup(process *exec.Cmd) {
	process.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	process.Cancel = func() error {
		if process.Process == nil {
			return nil
		}
		return syscall.Kill(-process.Process.Pid, syscall.SIGKILL)
	}
}
