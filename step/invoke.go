package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inngest/sdk-go/internal/errctl"
	"github.com/inngest/sdk-go/internal/opcode"
	"github.com/xhit/go-str2duration/v2"
)

type InvokeOpts struct {
	// FunctionId is the fully qualified ID ("appID-fnID") of the function to
	// invoke. Use target.FullyQualifiedID() to build this from a
	// ServableFunction.
	FunctionId string

	// Data is the data to pass to the invoked function.
	Data map[string]any

	// User is the user data to pass to the invoked function.
	User any

	// Timeout is an optional duration specifying when the invoked function will be
	// considered timed out.
	Timeout time.Duration
}

func (o InvokeOpts) validate() error {
	if o.FunctionId == "" {
		return fmt.Errorf("functionId is required")
	}
	return nil
}

// Invoke runs another Inngest function by its fully-qualified ID, returning
// the value it returned.
//
// If the invoked function can't be found or otherwise errors, Invoke returns
// that error wrapped as a NoRetryError; the calling function decides whether
// to fail with it.
func Invoke[T any](ctx context.Context, id string, opts InvokeOpts) (T, error) {
	mgr := preflight(ctx)
	if err := opts.validate(); err != nil {
		mgr.SetErr(err)
		panic(ControlHijack{})
	}

	args := map[string]any{
		"function_id": opts.FunctionId,
		"payload": map[string]any{
			"data": opts.Data,
			"user": opts.User,
		},
	}
	if opts.Timeout > 0 {
		args["timeout"] = str2duration.String(opts.Timeout)
	}

	op := mgr.NewOp(opcode.OpcodeInvokeFunction, id, args)
	if val, ok := mgr.Step(ctx, op); ok {
		var output T
		var valMap map[string]json.RawMessage
		if err := json.Unmarshal(val, &valMap); err != nil {
			mgr.SetErr(fmt.Errorf("error unmarshalling invoke value for '%s': %w", opts.FunctionId, err))
			panic(ControlHijack{})
		}

		if data, ok := valMap["data"]; ok {
			if err := json.Unmarshal(data, &output); err != nil {
				mgr.SetErr(fmt.Errorf("error unmarshalling invoke data for '%s': %w", opts.FunctionId, err))
				panic(ControlHijack{})
			}
			return output, nil
		}

		// Handled in this single tool until we want to make broader changes
		// to add per-step errors everywhere.
		if errorVal, ok := valMap["error"]; ok {
			var errObj struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(errorVal, &errObj); err != nil {
				mgr.SetErr(fmt.Errorf("error unmarshalling invoke error for '%s': %w", opts.FunctionId, err))
				panic(ControlHijack{})
			}

			return output, errctl.WrapNoRetry(fmt.Errorf("%s", errObj.Message))
		}

		mgr.SetErr(fmt.Errorf("error parsing invoke value for '%s'; unknown shape", opts.FunctionId))
		panic(ControlHijack{})
	}

	mgr.AppendOp(opcode.Step{
		ID:   op.MustHash(),
		Op:   op.Op,
		Name: id,
		Opts: op.Opts,
	})
	panic(ControlHijack{})
}
