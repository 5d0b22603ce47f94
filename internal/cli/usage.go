package cli

import (
	"fmt"
	"io"
)

// CommandInfo describes one dispatchable command for help output.
type CommandInfo struct {
	Name        string
	Description string
}

// PrintAvailable lists the commands a tool can dispatch.
func PrintAvailable(w io.Writer, tool string, commands []CommandInfo) {
	fmt.Fprintf(w, "Available %s commands:\n", tool)

	for _, cmd := range commands {
		fmt.Fprintf(w, "    %-12s %s\n", cmd.Name, cmd.Description)
	}

	fmt.Fprintf(w, "\nUse '%s <command> --help' for more information about a command.\n", tool)
}
