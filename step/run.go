package step

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/inngest/sdk-go/internal/errctl"
	"github.com/inngest/sdk-go/internal/opcode"
	"github.com/inngest/sdk-go/internal/sdkrequest"
)

type RunOpts struct {
	// ID represents the optional step name.
	ID string
	// Name represents the optional step name.
	Name string
}

// Run runs any code reliably, with retries, returning the resulting data. If
// this fails the function stops.
func Run[T any](
	ctx context.Context,
	id string,
	f func(ctx context.Context) (T, error),
) (T, error) {
	mgr := preflight(ctx)
	op := mgr.NewOp(opcode.OpcodeStepRun, id, nil)

	if val, ok := mgr.Step(ctx, op); ok {
		// This step has already ran as we have state for it. The state is
		// wrapped as {"data": ...} or {"error": ...}.
		var zero T
		unwrapped := gatewayResponse{}
		if jsonErr := json.Unmarshal(val, &unwrapped); jsonErr == nil {
			if len(unwrapped.Error) > 0 {
				stepErr := errctl.StepError{}
				_ = json.Unmarshal(unwrapped.Error, &stepErr)
				return zero, stepErr
			}
			if len(unwrapped.Data) > 0 {
				val = unwrapped.Data
			}
		}
		// Unmarshal the JSON into type T
		ft := reflect.TypeOf(f)
		v := reflect.New(ft.Out(0)).Interface()
		if err := json.Unmarshal(val, v); err != nil {
			mgr.SetErr(fmt.Errorf("error unmarshalling state for step '%s': %w", id, err))
			panic(ControlHijack{})
		}
		val, _ := reflect.ValueOf(v).Elem().Interface().(T)
		return val, nil
	}

	mgr.OnStepStart(ctx)
	result, err := f(withinStep(ctx))
	mgr.AfterExecution(ctx, result, err)
	if err != nil {
		mgr.OnStepError(ctx, err)
		mgr.SetErr(err)
		mgr.Cancel()
		panic(ControlHijack{})
	}
	mgr.OnStepComplete(ctx, result)

	byt, err := json.Marshal(result)
	if err != nil {
		mgr.SetErr(fmt.Errorf("unable to marshal run respone for '%s': %w", id, err))
	}

	opStep := opcode.Step{
		ID:   op.MustHash(),
		Op:   opcode.OpcodeStepRun,
		Name: id,
		Data: byt,
	}

	if mgr.Mode() == sdkrequest.StepModeContinue {
		if cpErr := mgr.CheckpointStep(ctx, opStep); cpErr == nil {
			// Checkpointed out-of-band; keep running without interrupting
			// the handler.
			return result, nil
		}
		// Checkpoint failed: fall back to interrupt-and-report behaviour.
	}

	mgr.AppendOp(opStep)
	mgr.Cancel()
	panic(ControlHijack{})
}
