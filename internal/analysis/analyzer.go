package analysis

import "context"

// Analyzer is the narrow contract a subconscious agent delegates its
// tick to. Implementations typically call out to an LLM and may fail;
// the caller isolates the failure.
type Analyzer interface {
	// Analyze reads a rendered transcript and the prior accumulated
	// state and returns a partial result to merge.
	Analyze(ctx context.Context, transcript string, prior State) (Delta, error)
}

// Func adapts a function to the Analyzer interface.
type Func func(ctx context.Context, transcript string, prior State) (Delta, error)

func (f Func) Analyze(ctx context.Context, transcript string, prior State) (Delta, error) {
	return f(ctx, transcript, prior)
}
