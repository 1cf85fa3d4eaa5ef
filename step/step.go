// Package step provides the durable building blocks (Run, Sleep, SleepUntil,
// WaitForSignal, Invoke, Fetch, Send) used inside a function handler. Every
// tool in this package either returns memoized data immediately or reports a
// new operation and unwinds the goroutine stack via a ControlHijack panic,
// letting the root package's invokeFunction() resume the run on a future request.
package step

import (
	"context"

	"github.com/inngest/sdk-go/internal/sdkrequest"
)

// ControlHijack re-exports sdkrequest.ControlHijack: every step tool panics
// with this sentinel once it has either reported a new operation or hit an
// unrecoverable error. Anything else escaping a function body is a genuine
// user panic.
type ControlHijack = sdkrequest.ControlHijack

type withinStepCtxKeyType struct{}

var withinStepCtxKey = withinStepCtxKeyType{}

// preflight fetches the InvocationManager stashed on the context by invokeFunction(),
// panicking if step tools are used outside of a function run.
func preflight(ctx context.Context) sdkrequest.InvocationManager {
	mgr, ok := sdkrequest.Manager(ctx)
	if !ok {
		panic("step tooling used outside of an Inngest function run")
	}
	return mgr
}

// withinStep marks the context passed to a step's callback, so that nested
// tooling (or tests) can assert it's running inside a step.
func withinStep(ctx context.Context) context.Context {
	return context.WithValue(ctx, withinStepCtxKey, true)
}

// IsWithinStep reports whether ctx is the context passed to a currently
// executing step callback (as opposed to the top-level function context).
func IsWithinStep(ctx context.Context) bool {
	v, _ := ctx.Value(withinStepCtxKey).(bool)
	return v
}
