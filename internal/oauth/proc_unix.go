//go:build !windows

package oauth

import (
	"os/exec"
	"syscall"
)

// detach puts the child in its own session so it outlives the server's
// terminal and signals.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
