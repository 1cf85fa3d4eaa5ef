package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inngest/sdk-go/internal/opcode"
	"github.com/xhit/go-str2duration/v2"
)

// ErrEventNotReceived is returned when a WaitForEvent call times out without
// a matching event arriving.
var ErrEventNotReceived = fmt.Errorf("event not received")

type WaitForEventOpts struct {
	// Event is the name of the event to wait for.
	Event string
	// If is an optional expression evaluated against the triggering event and
	// the incoming candidate event; the step only resumes for candidates that
	// match.
	If *string
	// Timeout bounds how long to wait. We must always timebound event
	// listeners.
	Timeout time.Duration
}

// WaitForEvent pauses the function until a matching event arrives, or the
// timeout elapses. It fans out to every run waiting on a matching event,
// unlike WaitForSignal which targets a single run.
func WaitForEvent[T any](ctx context.Context, stepID string, opts WaitForEventOpts) (T, error) {
	mgr := preflight(ctx)

	args := map[string]any{
		"event":   opts.Event,
		"timeout": str2duration.String(opts.Timeout),
	}
	if opts.If != nil {
		args["if"] = *opts.If
	}

	op := mgr.NewOp(opcode.OpcodeWaitForEvent, stepID, args)

	if val, ok := mgr.Step(ctx, op); ok {
		var output T
		if val == nil || string(val) == "null" {
			return output, ErrEventNotReceived
		}
		if err := json.Unmarshal(val, &output); err != nil {
			mgr.SetErr(fmt.Errorf("error unmarshalling wait for event value in '%s': %w", opts.Event, err))
			panic(ControlHijack{})
		}
		return output, nil
	}

	mgr.AppendOp(opcode.Step{
		ID:          op.MustHash(),
		Op:          op.Op,
		Name:        stepID,
		DisplayName: stepID,
		Opts:        op.Opts,
	})
	panic(ControlHijack{})
}
