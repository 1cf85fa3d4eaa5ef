package step

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/inngest/sdk-go/internal/errctl"
	"github.com/inngest/sdk-go/internal/opcode"
)

type FetchOpts struct {
	// URL is the full endpoint that we're sending the request to.  This must
	// always be provided by our SDKs.
	URL string `json:"url,omitempty"`
	// Headers represent additional headers to send in the request.
	Headers map[string]string `json:"headers,omitempty"`
	// Body indicates the raw content of the request, as a slice of JSON bytes.
	// It's expected that this comes from our SDKs directly.
	Body string `json:"body"`
	// Method is the HTTP method to use for the request.  This is almost always
	// POST for AI requests, but can be specified too.
	Method string `json:"method,omitempty"`
}

type gatewayResponse struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

// Fetch offloads the request to Inngest and continues execution with the response when complete.
func Fetch[OutputT any](
	ctx context.Context,
	id string,
	in FetchOpts,
) (out OutputT, err error) {
	mgr := preflight(ctx)
	op := mgr.NewOp(opcode.OpcodeAIGateway, id, nil)
	hashedID := op.MustHash()

	if val, ok := mgr.Step(ctx, op); ok {
		// This step has already ran as we have state for it. Unmarshal the JSON into type T
		unwrapped := gatewayResponse{}
		if jsonErr := json.Unmarshal(val, &unwrapped); jsonErr == nil {
			// Check for step errors first.
			if len(unwrapped.Error) > 0 {
				stepErr := errctl.StepError{}
				if jsonErr := json.Unmarshal(unwrapped.Error, &stepErr); jsonErr != nil {
					mgr.SetErr(fmt.Errorf("error unmarshalling error for step '%s': %w", id, jsonErr))
					panic(ControlHijack{})
				}
				// See if we have any data for multiple returns in the error type.
				_ = json.Unmarshal(stepErr.Data, &out)
				return out, stepErr
			}
			// If there's data, assume that val is already of type T without wrapping
			// in the 'data' object as per the SDK spec.
			if len(unwrapped.Data) > 0 {
				val = unwrapped.Data
			}
		}

		outType := reflect.TypeOf(out)
		if outType == nil {
			// OutputT is an interface type instantiated with nil: fall back to
			// raw JSON unmarshaling into `any`.
			var anyVal any
			unmarshalErr := json.Unmarshal(val, &anyVal)
			res, _ := anyVal.(OutputT)
			return res, unmarshalErr
		}

		switch any(out).(type) {
		case json.RawMessage:
			res, _ := any(json.RawMessage(val)).(OutputT)
			return res, nil
		case []byte:
			res, _ := any([]byte(val)).(OutputT)
			return res, nil
		case string:
			res, _ := any(string(val)).(OutputT)
			return res, nil
		}

		if outType.Kind() != reflect.Ptr {
			v := reflect.New(outType).Interface()
			unmarshalErr := json.Unmarshal(val, v)
			return reflect.ValueOf(v).Elem().Interface().(OutputT), unmarshalErr
		}

		v := reflect.New(outType.Elem()).Interface()
		unmarshalErr := json.Unmarshal(val, v)
		res, _ := reflect.ValueOf(v).Interface().(OutputT)
		return res, unmarshalErr
	}

	mgr.AppendOp(opcode.Step{
		ID:   hashedID,
		Op:   opcode.OpcodeAIGateway,
		Name: id,
		Opts: map[string]any{
			"url":     in.URL,
			"headers": in.Headers,
			"body":    in.Body,
			"method":  in.Method,
		},
	})
	panic(ControlHijack{})
}
