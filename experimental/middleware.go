// Package experimental holds SDK surfaces that are still settling and may
// change in a minor release: currently, the middleware pipeline.
package experimental

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/inngest/sdk-go/internal/event"
)

// CallContext describes the function run a middleware hook is firing for.
type CallContext struct {
	FunctionID string
	RunID      string
	StepID     string
	Attempt    int
	Env        string
}

// ServableFunction is the read-only view of a registered function that
// TransformInput is given: enough to inspect the target function without
// depending on the root package's richer ServableFunction (which would
// create an import cycle, since the root package depends on this one).
type ServableFunction interface {
	Slug() string
	Name() string
	ZeroEvent() any
}

// TransformableInput is the triggering event(s) of a run, mutable in place
// by TransformInput before the function (and any later middleware) sees
// them. Event data is untyped here regardless of the function's declared
// event type, since transformation happens before the event is specialized
// into that type.
type TransformableInput struct {
	Event  *event.Event
	Events []event.Event

	ctx context.Context
}

// NewTransformableInput builds a TransformableInput wrapping the given
// event(s) and request context.
func NewTransformableInput(ctx context.Context, evt *event.Event, events []event.Event) *TransformableInput {
	return &TransformableInput{Event: evt, Events: events, ctx: ctx}
}

// Context returns the context associated with this input, which may have
// been replaced by an earlier middleware's WithContext call.
func (t *TransformableInput) Context() context.Context {
	return t.ctx
}

// WithContext replaces the context seen by the function and by later
// middleware hooks.
func (t *TransformableInput) WithContext(ctx context.Context) {
	t.ctx = ctx
}

// ClientInfo is a read-only view of the client a middleware class was
// registered against, given to OnRegister.
type ClientInfo struct {
	AppID string
}

// Middleware hooks into a function's lifecycle: before and after execution,
// on panic recovery, and to transform the triggering event before dispatch.
// Implementations should embed BaseMiddleware so that new hooks added to
// this interface don't break them.
type Middleware interface {
	// OnRegister runs once per middleware class, when it's registered
	// against a client.
	OnRegister(info ClientInfo)

	// TransformEvent runs a pure transform over an outgoing event batch,
	// from both client.Send and step.Send.
	TransformEvent(events []event.Event) []event.Event

	// WrapSendEvent wraps the HTTP call that dispatches an event batch.
	// Implementations must call next to let the send proceed.
	WrapSendEvent(next func() error) error

	// WrapRequest wraps the dispatch of an entire incoming HTTP request.
	// Implementations must call next to let the request proceed.
	WrapRequest(next func() error) error

	// TransformInput runs once per request, before the function (or any of
	// its steps) is invoked, and can rewrite the triggering event(s).
	TransformInput(input *TransformableInput, fn ServableFunction)

	// OnRunStart runs before the handler body starts, only on a fresh-start
	// request (one carrying no memoized steps yet).
	OnRunStart(ctx context.Context, call CallContext)

	// OnMemoizationEnd runs once every memoized step has been replayed (or
	// immediately, if none were memoized).
	OnMemoizationEnd(ctx context.Context, call CallContext)

	// BeforeExecution runs once per request, before the first code that
	// was not memoized executes: at the start of the function body when no
	// steps were memoized, otherwise right after the last memoized step
	// has been replayed.
	BeforeExecution(ctx context.Context, call CallContext)

	// AfterExecution runs after a fresh step's handler returns, or after the
	// function body returns, whether it succeeded or returned an error.
	AfterExecution(ctx context.Context, call CallContext, result any, err error)

	// OnStepStart runs after a step is dispatched but before its handler
	// runs, only for a fresh (non-memoized) step.
	OnStepStart(ctx context.Context, call CallContext)

	// OnStepComplete runs after a fresh step's handler resolves with a
	// value.
	OnStepComplete(ctx context.Context, call CallContext, result any)

	// OnStepError runs after a fresh step's handler returns an error.
	OnStepError(ctx context.Context, call CallContext, err error)

	// OnRunComplete runs when the function handler returns a value, only
	// on the request that terminates the run.
	OnRunComplete(ctx context.Context, call CallContext, result any)

	// OnRunError runs when the function handler's terminal error is known,
	// only on the request that terminates the run.
	OnRunError(ctx context.Context, call CallContext, err error)

	// OnPanic runs when the function body panics with anything other than
	// the SDK's own step control-flow signals.
	OnPanic(ctx context.Context, call CallContext, recovery any, stack string)
}

// BaseMiddleware is a no-op implementation of Middleware, meant to be
// embedded by middlewares that only care about a subset of hooks.
type BaseMiddleware struct{}

func (BaseMiddleware) OnRegister(info ClientInfo)                      {}
func (BaseMiddleware) TransformEvent(events []event.Event) []event.Event { return events }
func (BaseMiddleware) WrapSendEvent(next func() error) error           { return next() }
func (BaseMiddleware) WrapRequest(next func() error) error             { return next() }
func (BaseMiddleware) TransformInput(input *TransformableInput, fn ServableFunction)            {}
func (BaseMiddleware) OnRunStart(ctx context.Context, call CallContext)                         {}
func (BaseMiddleware) OnMemoizationEnd(ctx context.Context, call CallContext)                   {}
func (BaseMiddleware) BeforeExecution(ctx context.Context, call CallContext)                    {}
func (BaseMiddleware) AfterExecution(ctx context.Context, call CallContext, result any, err error) {}
func (BaseMiddleware) OnStepStart(ctx context.Context, call CallContext)                        {}
func (BaseMiddleware) OnStepComplete(ctx context.Context, call CallContext, result any)         {}
func (BaseMiddleware) OnStepError(ctx context.Context, call CallContext, err error)              {}
func (BaseMiddleware) OnRunComplete(ctx context.Context, call CallContext, result any)          {}
func (BaseMiddleware) OnRunError(ctx context.Context, call CallContext, err error)               {}
func (BaseMiddleware) OnPanic(ctx context.Context, call CallContext, recovery any, stack string) {}

type loggerCtxKey struct{}

// ContextWithLogger attaches a logger to ctx so it can be retrieved inside a
// function body via LoggerFromContext. The handler calls this before
// invoking a function, using the client's configured logger.
func ContextWithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, l)
}

// LoggerFromContext returns the logger attached to ctx by the handler,
// decorated with run metadata. It errors if ctx was not produced by the
// handler (e.g. in a test that doesn't go through Serve).
func LoggerFromContext(ctx context.Context) (*slog.Logger, error) {
	l, ok := ctx.Value(loggerCtxKey{}).(*slog.Logger)
	if !ok || l == nil {
		return nil, fmt.Errorf("no logger found in context")
	}
	return l, nil
}
