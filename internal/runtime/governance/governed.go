package governance

import (
	"context"

	errspkg "github.com/drblury/holdflow/internal/runtime/errors"
)

// Governed runs fn only when g allows the triple. A denial returns a
// *PermissionError without calling fn.
func Governed[T any](ctx context.Context, g *Governance, operation, source, target string, fn func(context.Context) (T, error)) (T, error) {
	if !g.GateOperation(ctx, operation, source, target) {
		var zero T
		return zero, &errspkg.PermissionError{Operation: operation, Source: source, Target: target}
	}
	return fn(ctx)
}

// GovernedDefault is Governed against the process-wide instance.
func GovernedDefault[T any](ctx context.Context, operation, source, target string, fn func(context.Context) (T, error)) (T, error) {
	g, err := Default()
	if err != nil {
		var zero T
		return zero, err
	}
	return Governed(ctx, g, operation, source, target, fn)
}
