package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/inngest/sdk-go/experimental"
	"github.com/inngest/sdk-go/internal/event"
)

// NewMiddlewareManager builds a manager that instantiates one instance of
// each factory for the request it backs. logger receives entries for hooks
// whose errors/panics are swallowed rather than propagated.
func NewMiddlewareManager(factories []func() experimental.Middleware, logger *slog.Logger) *MiddlewareManager {
	items := make([]experimental.Middleware, 0, len(factories))
	for _, f := range factories {
		items = append(items, f())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MiddlewareManager{items: items, logger: logger}
}

// MiddlewareManager is a thin wrapper around a request's middleware chain,
// allowing the rest of the execution engine to be oblivious of how many
// middlewares are configured.
type MiddlewareManager struct {
	items  []experimental.Middleware
	logger *slog.Logger
}

// swallow runs f, recovering and logging any panic rather than letting it
// escape. It backs the hooks the spec requires to never abort the function:
// onRegister, onRunStart, onMemoizationEnd, onStep*, onRun*.
func (m *MiddlewareManager) swallow(hook string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("middleware hook panicked", "hook", hook, "error", fmt.Sprint(r))
		}
	}()
	f()
}

// OnRegister runs every middleware's OnRegister hook once, in registration
// order. Panics are logged and swallowed: a misbehaving middleware must not
// prevent the client from starting up.
func (m *MiddlewareManager) OnRegister(info experimental.ClientInfo) {
	if m == nil {
		return
	}
	for _, mw := range m.items {
		mw := mw
		m.swallow("onRegister", func() { mw.OnRegister(info) })
	}
}

// TransformEvent runs every middleware's TransformEvent hook, in
// registration order, each seeing the output of the one before it. Unlike
// the on* hooks, a panic here is not swallowed: a transform is
// expected to be pure and any failure should surface as a send failure.
func (m *MiddlewareManager) TransformEvent(events []event.Event) []event.Event {
	if m == nil {
		return events
	}
	for _, mw := range m.items {
		events = mw.TransformEvent(events)
	}
	return events
}

// WrapSendEvent wraps next in every middleware's WrapSendEvent hook, in
// registration order (first-registered outermost), so the outermost
// middleware sees the call first and the innermost is closest to the
// network request.
func (m *MiddlewareManager) WrapSendEvent(next func() error) error {
	if m == nil {
		return next()
	}
	wrapped := next
	for i := len(m.items) - 1; i >= 0; i-- {
		mw := m.items[i]
		inner := wrapped
		wrapped = func() error { return mw.WrapSendEvent(inner) }
	}
	return wrapped()
}

// WrapRequest wraps next in every middleware's WrapRequest hook, in
// registration order (first-registered outermost). The outermost
// middleware's after-phase runs even when the request was interrupted by a
// step control-flow signal, since the handler recovers that signal and
// returns normally through this call stack.
func (m *MiddlewareManager) WrapRequest(next func() error) error {
	if m == nil {
		return next()
	}
	wrapped := next
	for i := len(m.items) - 1; i >= 0; i-- {
		mw := m.items[i]
		inner := wrapped
		wrapped = func() error { return mw.WrapRequest(inner) }
	}
	return wrapped()
}

// TransformInput runs every middleware's TransformInput hook, in
// registration order, allowing each to see the effect of the ones before it.
func (m *MiddlewareManager) TransformInput(input *experimental.TransformableInput, sf experimental.ServableFunction) {
	if m == nil {
		return
	}
	for _, mw := range m.items {
		mw.TransformInput(input, sf)
	}
}

// BeforeExecution runs every middleware's BeforeExecution hook, in
// registration order.
func (m *MiddlewareManager) BeforeExecution(ctx context.Context, call CallContext) {
	if m == nil {
		return
	}
	ec := call.toExperimental()
	for _, mw := range m.items {
		mw.BeforeExecution(ctx, ec)
	}
}

// AfterExecution runs every middleware's AfterExecution hook, in reverse
// registration order (onion unwind).
func (m *MiddlewareManager) AfterExecution(ctx context.Context, call CallContext, result any, err error) {
	if m == nil {
		return
	}
	ec := call.toExperimental()
	for i := len(m.items) - 1; i >= 0; i-- {
		m.items[i].AfterExecution(ctx, ec, result, err)
	}
}

// OnPanic runs every middleware's OnPanic hook, in reverse registration
// order.
func (m *MiddlewareManager) OnPanic(ctx context.Context, call CallContext, recovery any, stack string) {
	if m == nil {
		return
	}
	ec := call.toExperimental()
	for i := len(m.items) - 1; i >= 0; i-- {
		m.items[i].OnPanic(ctx, ec, recovery, stack)
	}
}

// OnRunStart runs every middleware's OnRunStart hook, in registration order.
// Panics are logged and swallowed: this hook must never abort the run.
func (m *MiddlewareManager) OnRunStart(ctx context.Context, call CallContext) {
	if m == nil {
		return
	}
	ec := call.toExperimental()
	for _, mw := range m.items {
		mw := mw
		m.swallow("onRunStart", func() { mw.OnRunStart(ctx, ec) })
	}
}

// OnMemoizationEnd runs every middleware's OnMemoizationEnd hook, in
// registration order. Panics are logged and swallowed.
func (m *MiddlewareManager) OnMemoizationEnd(ctx context.Context, call CallContext) {
	if m == nil {
		return
	}
	ec := call.toExperimental()
	for _, mw := range m.items {
		mw := mw
		m.swallow("onMemoizationEnd", func() { mw.OnMemoizationEnd(ctx, ec) })
	}
}

// OnStepStart runs every middleware's OnStepStart hook, in registration
// order. Panics are logged and swallowed.
func (m *MiddlewareManager) OnStepStart(ctx context.Context, call CallContext) {
	if m == nil {
		return
	}
	ec := call.toExperimental()
	for _, mw := range m.items {
		mw := mw
		m.swallow("onStepStart", func() { mw.OnStepStart(ctx, ec) })
	}
}

// OnStepComplete runs every middleware's OnStepComplete hook, in
// registration order. Panics are logged and swallowed.
func (m *MiddlewareManager) OnStepComplete(ctx context.Context, call CallContext, result any) {
	if m == nil {
		return
	}
	ec := call.toExperimental()
	for _, mw := range m.items {
		mw := mw
		m.swallow("onStepComplete", func() { mw.OnStepComplete(ctx, ec, result) })
	}
}

// OnStepError runs every middleware's OnStepError hook, in registration
// order. Panics are logged and swallowed.
func (m *MiddlewareManager) OnStepError(ctx context.Context, call CallContext, stepErr error) {
	if m == nil {
		return
	}
	ec := call.toExperimental()
	for _, mw := range m.items {
		mw := mw
		m.swallow("onStepError", func() { mw.OnStepError(ctx, ec, stepErr) })
	}
}

// OnRunComplete runs every middleware's OnRunComplete hook, in registration
// order. Panics are logged and swallowed.
func (m *MiddlewareManager) OnRunComplete(ctx context.Context, call CallContext, result any) {
	if m == nil {
		return
	}
	ec := call.toExperimental()
	for _, mw := range m.items {
		mw := mw
		m.swallow("onRunComplete", func() { mw.OnRunComplete(ctx, ec, result) })
	}
}

// OnRunError runs every middleware's OnRunError hook, in registration order.
// Panics are logged and swallowed.
func (m *MiddlewareManager) OnRunError(ctx context.Context, call CallContext, runErr error) {
	if m == nil {
		return
	}
	ec := call.toExperimental()
	for _, mw := range m.items {
		mw := mw
		m.swallow("onRunError", func() { mw.OnRunError(ctx, ec, runErr) })
	}
}
