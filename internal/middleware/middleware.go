// Package middleware bridges the public experimental.Middleware interface
// to the execution manager: it builds one instance of each registered
// middleware per request and dispatches lifecycle hooks in onion order.
package middleware

import (
	"context"

	"github.com/inngest/sdk-go/experimental"
	"github.com/inngest/sdk-go/internal/fn"
)

// CallContext is the internal call context threaded through the execution
// manager. It carries the full function config, rather than just its ID,
// so the manager doesn't need a second lookup.
type CallContext struct {
	FunctionOpts fn.FunctionOpts
	Env          string
	RunID        string
	StepID       string
	Attempt      int
}

func (c CallContext) toExperimental() experimental.CallContext {
	var fnID string
	if c.FunctionOpts.ID != nil {
		fnID = *c.FunctionOpts.ID
	}
	return experimental.CallContext{
		FunctionID: fnID,
		RunID:      c.RunID,
		StepID:     c.StepID,
		Attempt:    c.Attempt,
		Env:        c.Env,
	}
}
