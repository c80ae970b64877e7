package embedding

import (
	"context"
	"fmt"
)

// Provider turns a batch of texts into embedding vectors. Implementations
// must make a single upstream request per batch, never one per text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Error wraps an upstream embedding failure so callers can degrade to
// contextless chat instead of failing the whole request.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s embedding failed: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
