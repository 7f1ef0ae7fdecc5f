//go:build !unix

package kernel

import (
	"fmt"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func interruptGroup(pid int) error {
	return fmt.Errorf("kernel: signal interrupt not supported on this platform")
}
