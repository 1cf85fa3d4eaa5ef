package sdkrequest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/inngest/sdk-go/internal/checkpoint"
	"github.com/inngest/sdk-go/internal/fn"
	"github.com/inngest/sdk-go/internal/middleware"
	"github.com/inngest/sdk-go/internal/opcode"
	"github.com/inngest/sdk-go/internal/types"
)

// StepMode controls how a fresh `run` step's completion is handled.
type StepMode int

const (
	// StepModeInterrupt reports the step and unwinds the handler, the
	// default: the executor re-invokes us to continue past it.
	StepModeInterrupt StepMode = iota
	// StepModeContinue checkpoints the step out-of-band and keeps running
	// the handler in the same invocation, per spec §4.4.2. It's only used
	// when the client is configured with a Checkpointer.
	StepModeContinue
)

type requestCtxKeyType struct{}

var requestCtxKey = requestCtxKeyType{}

// ControlHijack is panicked by step tools once they've either reported a new
// operation or hit an unrecoverable error, unwinding the user's goroutine
// stack back to invokeFunction()'s recover(). It carries no information: the
// outcome is already recorded on the InvocationManager.
type ControlHijack struct{}

// InvocationManager is responsible for the lifecycle of a function invocation.
type InvocationManager interface {
	// Cancel indicates that a step has ran and cancels future steps from processing.
	Cancel()
	// Request returns the incoming executor request.
	Request() *Request
	// Err returns the error generated by step code, if a step errored.
	Err() error
	// SetErr sets the invocation's error.
	SetErr(err error)
	// AppendOp pushes a new generator op to the stack for future execution.
	AppendOp(op opcode.Step)
	// Ops returns all pushed generator ops to the stack for future execution.
	// These represent new steps that have not been previously memoized.
	Ops() []opcode.Step
	// Step returns step data for the given unhashed operation, if present in the
	// incoming request data.
	Step(ctx context.Context, op UnhashedOp) (json.RawMessage, bool)
	// ReplayedStep returns whether we've replayed the given hashed step ID yet.
	ReplayedStep(hashedID string) bool
	// NewOp generates a new unhashed op for creating a opcode.Step.  This
	// is required for future execution of a step.
	NewOp(op opcode.Opcode, id string, opts map[string]any) UnhashedOp
	// SigningKey returns the signing key used for this request.  This lets us
	// retrieve creds for eg. publishing or API alls.
	SigningKey() string
	// MiddlewareCallCtx exposes the call context for middleware calls.
	MiddlewareCallCtx() middleware.CallContext
	// BeforeExecution fires every registered middleware's BeforeExecution hook
	// exactly once for this request, the first time new (non-memoized) code is
	// about to run.
	BeforeExecution(ctx context.Context)
	// AfterExecution fires every registered middleware's AfterExecution hook
	// exactly once for this request, once the new code that BeforeExecution
	// announced has produced a result.
	AfterExecution(ctx context.Context, result any, err error)
	// OnPanic fires every registered middleware's OnPanic hook when user code
	// panics with something other than internal step control flow.
	OnPanic(ctx context.Context, recovery any, stack string)
	// OnRunStart fires every registered middleware's OnRunStart hook, but
	// only on a fresh-start request (one with no memoized steps yet).
	OnRunStart(ctx context.Context)
	// OnMemoizationEnd fires every registered middleware's OnMemoizationEnd
	// hook exactly once, once every memoized step has been replayed (or
	// immediately, for a request with none).
	OnMemoizationEnd(ctx context.Context)
	// OnStepStart fires every registered middleware's OnStepStart hook for
	// a fresh (non-memoized) step, before its handler runs.
	OnStepStart(ctx context.Context)
	// OnStepComplete fires every registered middleware's OnStepComplete
	// hook for a fresh step whose handler resolved with a value.
	OnStepComplete(ctx context.Context, result any)
	// OnStepError fires every registered middleware's OnStepError hook for
	// a fresh step whose handler returned an error.
	OnStepError(ctx context.Context, err error)
	// OnRunComplete fires every registered middleware's OnRunComplete hook,
	// only on the request that terminates the run with a result.
	OnRunComplete(ctx context.Context, result any)
	// OnRunError fires every registered middleware's OnRunError hook, only
	// on the request that terminates the run with an error.
	OnRunError(ctx context.Context, err error)
	// Mode reports whether fresh `run` steps should interrupt the handler
	// (the default) or checkpoint out-of-band and keep running.
	Mode() StepMode
	// CheckpointStep posts step to the configured Checkpointer and blocks
	// for the result. Callers in StepModeContinue fall back to interrupt
	// behaviour when this returns an error. It panics if no Checkpointer is
	// configured; callers must check Mode() first.
	CheckpointStep(ctx context.Context, step opcode.Step) error
}

// NewManager returns an InvocationManager to manage the incoming executor request.  This
// is required for step tooling to process.
func NewManager(
	fn fn.ServableFunction,
	mw *middleware.MiddlewareManager,
	cancel context.CancelFunc,
	request *Request,
	signingKey string,
	checkpointer checkpoint.Checkpointer,
) InvocationManager {
	unseen := types.Set[string]{}
	for k := range request.Steps {
		unseen.Add(k)
	}

	mode := StepModeInterrupt
	if checkpointer != nil {
		mode = StepModeContinue
	}

	return &requestCtxManager{
		fn:           fn,
		cancel:       cancel,
		request:      request,
		indexes:      map[string]int{},
		l:            &sync.RWMutex{},
		signingKey:   signingKey,
		seen:         map[string]struct{}{},
		seenLock:     &sync.RWMutex{},
		unseen:       &unseen,
		mw:           mw,
		mode:         mode,
		checkpointer: checkpointer,
	}
}

func SetManager(ctx context.Context, r InvocationManager) context.Context {
	return context.WithValue(ctx, requestCtxKey, r)
}

func Manager(ctx context.Context) (InvocationManager, bool) {
	mgr, ok := ctx.Value(requestCtxKey).(InvocationManager)
	return mgr, ok
}

type requestCtxManager struct {
	fn fn.ServableFunction
	// key is the signing key
	signingKey string
	// cancel ends the context and prevents any other tools from running.
	cancel func()
	// err stores the error from any step ran.
	err error
	// Ops holds a list of buffered generator opcodes to send to the executor
	// after this invocation.
	ops []opcode.Step
	// request represents the incoming request.
	request *Request
	// Indexes represents a map of indexes for each unhashed op.
	indexes map[string]int
	l       *sync.RWMutex

	// seen represents all ops seen in this request, by calling Step(ctx)
	// to retrieve step data.
	seen     map[string]struct{}
	seenLock *sync.RWMutex

	unseen *types.Set[string]

	mw *middleware.MiddlewareManager

	mode         StepMode
	checkpointer checkpoint.Checkpointer

	beforeOnce   sync.Once
	afterOnce    sync.Once
	runStartOnce sync.Once
	memoEndOnce  sync.Once
}

func (r *requestCtxManager) SigningKey() string {
	return r.signingKey
}

func (r *requestCtxManager) Cancel() {
	r.cancel()
}

func (r *requestCtxManager) SetRequest(req *Request) {
	r.request = req
}

func (r *requestCtxManager) Request() *Request {
	return r.request
}

func (r *requestCtxManager) SetErr(err error) {
	r.err = err
}

func (r *requestCtxManager) Err() error {
	return r.err
}

func (r *requestCtxManager) AppendOp(op opcode.Step) {
	r.l.Lock()
	defer r.l.Unlock()

	if r.ops == nil {
		r.ops = []opcode.Step{op}
		return
	}

	r.ops = append(r.ops, op)
}

func (r *requestCtxManager) Ops() []opcode.Step {
	return r.ops
}

func (r *requestCtxManager) MiddlewareCallCtx() middleware.CallContext {
	var opts fn.FunctionOpts
	if r.fn != nil {
		opts = r.fn.Config()
	}
	return middleware.CallContext{
		FunctionOpts: opts,
		Env:          r.request.CallCtx.Env,
		RunID:        r.request.CallCtx.RunID,
		StepID:       r.request.CallCtx.StepID,
		Attempt:      r.request.CallCtx.Attempt,
	}
}

func (r *requestCtxManager) BeforeExecution(ctx context.Context) {
	r.beforeOnce.Do(func() {
		r.mw.BeforeExecution(ctx, r.MiddlewareCallCtx())
	})
}

func (r *requestCtxManager) AfterExecution(ctx context.Context, result any, err error) {
	r.afterOnce.Do(func() {
		r.mw.AfterExecution(ctx, r.MiddlewareCallCtx(), result, err)
	})
}

func (r *requestCtxManager) OnPanic(ctx context.Context, recovery any, stack string) {
	r.mw.OnPanic(ctx, r.MiddlewareCallCtx(), recovery, stack)
}

func (r *requestCtxManager) OnRunStart(ctx context.Context) {
	if len(r.request.Steps) != 0 {
		return
	}
	r.runStartOnce.Do(func() {
		r.mw.OnRunStart(ctx, r.MiddlewareCallCtx())
	})
}

func (r *requestCtxManager) OnMemoizationEnd(ctx context.Context) {
	r.memoEndOnce.Do(func() {
		r.mw.OnMemoizationEnd(ctx, r.MiddlewareCallCtx())
	})
}

func (r *requestCtxManager) OnStepStart(ctx context.Context) {
	r.mw.OnStepStart(ctx, r.MiddlewareCallCtx())
}

func (r *requestCtxManager) OnStepComplete(ctx context.Context, result any) {
	r.mw.OnStepComplete(ctx, r.MiddlewareCallCtx(), result)
}

func (r *requestCtxManager) OnStepError(ctx context.Context, err error) {
	r.mw.OnStepError(ctx, r.MiddlewareCallCtx(), err)
}

func (r *requestCtxManager) OnRunComplete(ctx context.Context, result any) {
	r.mw.OnRunComplete(ctx, r.MiddlewareCallCtx(), result)
}

func (r *requestCtxManager) OnRunError(ctx context.Context, err error) {
	r.mw.OnRunError(ctx, r.MiddlewareCallCtx(), err)
}

func (r *requestCtxManager) Step(ctx context.Context, op UnhashedOp) (json.RawMessage, bool) {
	hash := op.MustHash()
	r.l.RLock()
	defer r.l.RUnlock()

	r.unseen.Remove(hash)
	if r.unseen.Len() == 0 {
		// We exhausted all memoized steps, so we're about to run "new code"
		// after a memoized step.
		r.OnMemoizationEnd(ctx)
		r.BeforeExecution(ctx)
	}

	val, ok := r.request.Steps[hash]
	if ok {
		r.seenLock.Lock()
		r.seen[hash] = struct{}{}
		r.seenLock.Unlock()
	} else if !op.Op.ExpectsResultOnNextInvocation() {
		// This op resolves as soon as it's reported (eg. a send), so there's
		// never memoized data to wait for; don't treat its absence here as
		// still pending replay.
		ok = true
	}
	return val, ok
}

func (r *requestCtxManager) Mode() StepMode {
	return r.mode
}

// CheckpointStep posts step to r.checkpointer and blocks until the batch it
// lands in is committed (or fails). At most one checkpoint call is ever in
// flight per request since step execution in this mode is sequential.
func (r *requestCtxManager) CheckpointStep(ctx context.Context, step opcode.Step) error {
	if r.checkpointer == nil {
		panic("CheckpointStep called without a configured Checkpointer")
	}

	done := make(chan error, 1)
	r.checkpointer.WithStep(ctx, step, func(_ []opcode.Step, err error) {
		done <- err
	})
	return <-done
}

func (r *requestCtxManager) ReplayedStep(hashedID string) bool {
	r.seenLock.RLock()
	_, ok := r.seen[hashedID]
	r.seenLock.RUnlock()
	return ok
}

func (r *requestCtxManager) NewOp(op opcode.Opcode, id string, opts map[string]any) UnhashedOp {
	r.l.Lock()
	defer r.l.Unlock()

	n, ok := r.indexes[id]
	if ok {
		// We have an index already, so increase the counter as we're
		// adding to this key.
		n += 1
	}

	// Update indexes for each particualar key.
	r.indexes[id] = n

	return UnhashedOp{
		ID:   id,
		Op:   op,
		Opts: opts,
		Pos:  uint(n),
	}
}

type UnhashedOp struct {
	Op   opcode.Opcode   `json:"op"`
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Opts map[string]any `json:"opts"`
	Pos  uint           `json:"-"`
}

func (u UnhashedOp) Hash() (string, error) {
	input := u.ID
	if u.Pos > 0 {
		// We only suffix the counter if there's > 1 operation with the same ID.
		input = fmt.Sprintf("%s:%d", u.ID, u.Pos)
	}
	sum := sha1.Sum([]byte(input))
	return hex.EncodeToString(sum[:]), nil
}

func (u UnhashedOp) MustHash() string {
	h, err := u.Hash()
	if err != nil {
		panic(fmt.Errorf("error hashing op: %w", err))
	}
	return h
}
