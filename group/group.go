// Package group runs independent step-emitting branches of a function body
// concurrently, so that a single invocation can discover (and report) more
// than one new step in a single round trip instead of one at a time.
package group

import (
	"context"

	"github.com/inngest/sdk-go/internal/sdkrequest"
)

// Result is the outcome of a single branch passed to Parallel.
type Result struct {
	Error error
	Value any
}

// Results holds one Result per branch, in the same order the branches were
// passed to Parallel.
type Results []Result

type parallelCtxKeyType struct{}

var parallelCtxKey = parallelCtxKeyType{}

// IsParallel reports whether ctx was passed to a branch running under
// Parallel.
func IsParallel(ctx context.Context) bool {
	v, _ := ctx.Value(parallelCtxKey).(bool)
	return v
}

// Parallel runs every fn concurrently on its own goroutine. Each branch may
// call step tools; a branch that discovers new work unwinds via
// sdkrequest.ControlHijack same as any other step call would. Parallel
// collects every branch's outcome before deciding what to do: if any branch
// discovered new work, the whole call re-panics with ControlHijack once
// every branch has finished, so the executor receives every newly discovered
// step from this round in a single response rather than just the first one.
func Parallel(ctx context.Context, fns ...func(ctx context.Context) (any, error)) Results {
	ctx = context.WithValue(ctx, parallelCtxKey, true)

	results := make(Results, len(fns))
	hijacked := make([]bool, len(fns))
	done := make(chan struct{}, len(fns))
	var panicVal any

	for i, fn := range fns {
		i, fn := i, fn
		go func() {
			defer func() {
				if r := recover(); r != nil {
					if _, ok := r.(sdkrequest.ControlHijack); ok {
						hijacked[i] = true
					} else {
						panicVal = r
					}
				}
				done <- struct{}{}
			}()
			value, err := fn(ctx)
			results[i] = Result{Value: value, Error: err}
		}()
	}

	for range fns {
		<-done
	}

	if panicVal != nil {
		panic(panicVal)
	}
	for _, h := range hijacked {
		if h {
			panic(sdkrequest.ControlHijack{})
		}
	}

	return results
}
