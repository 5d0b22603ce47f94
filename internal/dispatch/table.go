package dispatch

import (
	"context"
	"sync"
)

// CommandRecord maps a command name to the package implementing it.
type CommandRecord struct {
	Name        string
	Package     string
	Description string
}

var commands = []CommandRecord{
	{Name: "init", Package: "@forge-cli/init", Description: "Create a new project"},
}

// Commands returns a copy of the compiled-in command table.
func Commands() []CommandRecord {
	return append([]CommandRecord(nil), commands...)
}

// Lookup finds the record for name.
func Lookup(name string) (CommandRecord, bool) {
	for _, c := range commands {
		if c.Name == name {
			return c, true
		}
	}

	return CommandRecord{}, false
}

// LinkedFunc is a Go implementation of a command package. root is the
// installed package directory.
type LinkedFunc func(ctx context.Context, root string, inv Invocation) error

var (
	linksMu sync.RWMutex
	links   = map[string]LinkedFunc{}
)

// Link registers fn as the implementation of pkg. Linking the same package
// twice replaces the earlier function.
func Link(pkg string, fn LinkedFunc) {
	linksMu.Lock()
	defer linksMu.Unlock()

	if fn == nil {
		delete(links, pkg)
		return
	}

	links[pkg] = fn
}

func linked(pkg string) (LinkedFunc, bool) {
	linksMu.RLock()
	defer linksMu.RUnlock()

	fn, ok := links[pkg]

	return fn, ok
}
