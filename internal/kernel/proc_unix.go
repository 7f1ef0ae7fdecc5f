//go:build unix

package kernel

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so signals can
// target the kernel and everything it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

func interruptGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGINT); err != nil {
		return syscall.Kill(pid, syscall.SIGINT)
	}
	return nil
}
