package checkpoint

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inngest/sdk-go/internal/opcode"
)

var errClosed = errors.New("checkpointer closed")

// Config tunes how a Checkpointer batches completed steps before posting
// them to the platform.
type Config struct {
	// BatchSteps checkpoints as soon as this many steps have accumulated,
	// regardless of BatchInterval. Zero means steps only ever flush on the
	// interval timer (or never, if BatchInterval is also zero).
	BatchSteps int
	// BatchInterval checkpoints whatever has accumulated so far once this
	// long has passed since the first step in the current batch. Zero
	// disables the timer.
	BatchInterval time.Duration
}

// Opts configures a Checkpointer.
type Opts struct {
	Config Config

	// SigningKey/SigningKeyFallback authenticate checkpoint requests, same
	// as the handler's register/invoke signing keys.
	SigningKey         string
	SigningKeyFallback string

	// APIBaseURL overrides where checkpoint requests are sent. If empty,
	// it's resolved from INNGEST_DEV, then the production API.
	APIBaseURL string

	// RunID/FnID/QueueItemRef identify the run whose steps are being
	// checkpointed.
	RunID        string
	FnID         uuid.UUID
	QueueItemRef string
}

// Checkpointer batches completed steps from a single run and posts them to
// the platform asynchronously, so the run can keep executing locally
// instead of returning to the executor after every step (see
// sdkrequest.StepModeContinue).
type Checkpointer interface {
	// WithStep records step as completed and arranges for it (and any other
	// steps in the same batch) to be checkpointed, synchronously once the
	// batch fills or asynchronously once BatchInterval elapses. done is
	// called with every step committed in the same batch once that
	// checkpoint request finishes (or fails).
	WithStep(ctx context.Context, step opcode.Step, done func(committed []opcode.Step, err error))

	// Close stops any pending batch timer and discards unflushed steps
	// without checkpointing them. Safe to call more than once.
	Close()
}

type checkpointer struct {
	client *client
	config Config

	runID        string
	fnID         uuid.UUID
	queueItemRef string

	lock      sync.Mutex
	buffer    []opcode.Step
	callbacks []func([]opcode.Step, error)
	timer     *time.Timer
	closed    bool
}

// New builds a Checkpointer per opts.
func New(opts Opts) Checkpointer {
	return &checkpointer{
		client: &client{
			httpClient:  http.DefaultClient,
			apiBaseURL:  opts.APIBaseURL,
			primaryKey:  opts.SigningKey,
			fallbackKey: opts.SigningKeyFallback,
		},
		config:       opts.Config,
		runID:        opts.RunID,
		fnID:         opts.FnID,
		queueItemRef: opts.QueueItemRef,
	}
}

func (c *checkpointer) WithStep(ctx context.Context, step opcode.Step, done func([]opcode.Step, error)) {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		if done != nil {
			done(nil, errClosed)
		}
		return
	}

	c.buffer = append(c.buffer, step)
	if done != nil {
		c.callbacks = append(c.callbacks, done)
	}

	full := c.config.BatchSteps > 0 && len(c.buffer) >= c.config.BatchSteps
	if !full && c.config.BatchInterval > 0 && c.timer == nil {
		c.timer = time.AfterFunc(c.config.BatchInterval, func() { c.flush(context.Background()) })
	}
	c.lock.Unlock()

	if full {
		c.flush(ctx)
	}
}

func (c *checkpointer) flush(ctx context.Context) {
	c.lock.Lock()
	if c.closed || len(c.buffer) == 0 {
		c.lock.Unlock()
		return
	}

	steps := c.buffer
	callbacks := c.callbacks
	c.buffer = nil
	c.callbacks = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.lock.Unlock()

	err := c.client.Checkpoint(ctx, AsyncRequest{
		RunID:        c.runID,
		FnID:         c.fnID,
		QueueItemRef: c.queueItemRef,
		Steps:        steps,
	})

	for _, cb := range callbacks {
		cb(steps, err)
	}
}

func (c *checkpointer) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.buffer = nil
	c.callbacks = nil
}
