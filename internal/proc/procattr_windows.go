//go:build windows

package proc

import (
	"os"
	"syscall"
)

// sysProcAttr hides the console window external programs would otherwise
// pop up, and detaches the child into its own process group.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Windows has no SIGTERM; graceful and forceful termination coincide.
func terminate(p *os.Process) error {
	return p.Kill()
}
