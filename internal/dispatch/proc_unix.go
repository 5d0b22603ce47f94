//go:build unix

package dispatch

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// configureChild starts the child in its own process group unless stdin is a
// terminal, where a background group could not read from it. Cancellation
// interrupts the child (or its group) before WaitDelay escalates to a kill.
func configureChild(cmd *exec.Cmd) {
	group := !term.IsTerminal(int(os.Stdin.Fd()))
	if group {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	cmd.Cancel = func() error {
		if group {
			return unix.Kill(-cmd.Process.Pid, unix.SIGINT)
		}

		return cmd.Process.Signal(os.Interrupt)
	}
}
