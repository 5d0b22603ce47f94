package dispatch

import (
	"context"

	"github.com/orizon-lang/forge/internal/exception"
)

// Bootstrap is the child half of an isolated dispatch: it decodes the payload
// file, loads the entry and runs it in process.
func Bootstrap(ctx context.Context, payloadPath string, loader Loader) error {
	if payloadPath == "" {
		return exception.New(exception.KindArgument, "--payload is required")
	}

	p, err := ReadPayload(payloadPath)
	if err != nil {
		return err
	}

	if loader == nil {
		loader = &DefaultLoader{}
	}

	entry := p.entry()

	runner, err := loader.Load(entry)
	if err != nil {
		return err
	}

	return InProcess{}.Execute(ctx, runner, entry, p.Invocation())
}
