package generate

import (
	"context"

	"github.com/mattjoyce/renderbatch/internal/dispatch"
)

// Func adapts an ordinary function to dispatch.Capability.
type Func func(ctx context.Context, prompt, name string) (dispatch.Response, error)

func (f Func) Generate(ctx context.Context, prompt, name string) (dispatch.Response, error) {
	return f(ctx, prompt, name)
}
