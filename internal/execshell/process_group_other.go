//go:build !unix

package execshell

import "os/exec"

func configureProcessGroup(process *exec.Cmd) {}
