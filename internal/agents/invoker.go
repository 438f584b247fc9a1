package agents

import (
	"context"
	"errors"

	"testforge/backend/pkg/models"
)

// Result is what an agent returns for one invocation.
type Result struct {
	Data  any          `json:"data"`
	Usage models.Usage `json:"usage"`
}

// Invoker calls one operation of a named agent. Implementations must be safe
// for concurrent use. Returned errors are treated as transient unless wrapped
// with Permanent.
type Invoker interface {
	Invoke(ctx context.Context, agent, operation string, input map[string]any) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, agent, operation string, input map[string]any) (*Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, agent, operation string, input map[string]any) (*Result, error) {
	return f(ctx, agent, operation, input)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
