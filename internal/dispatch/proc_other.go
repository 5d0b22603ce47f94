//go:build !unix

package dispatch

import "os/exec"

func configureChild(cmd *exec.Cmd) {
	cmd.Cancel = func() error { return cmd.Process.Kill() }
}
