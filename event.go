package inngestgo

import (
	"encoding/json"
	"reflect"

	"github.com/inngest/sdk-go/internal/event"
)

// GenericEvent is the typed wire shape of an event, parameterized over its
// Data payload. Most code uses the Event alias (Data is a bare map); typed
// functions and typed Send calls use GenericEvent directly so the compiler
// checks the event's data shape.
type GenericEvent[TData any] struct {
	ID        *string `json:"id,omitempty"`
	Name      string  `json:"name"`
	Data      TData   `json:"data"`
	User      any     `json:"user,omitempty"`
	Timestamp int64   `json:"ts,omitempty"`
	Version   string  `json:"v,omitempty"`
}

// Event is the untyped event shape used when no specific Go type is
// declared for an event's data.
type Event = GenericEvent[map[string]any]

func (e GenericEvent[TData]) toInternal() (event.Event, error) {
	byt, err := json.Marshal(e)
	if err != nil {
		return event.Event{}, err
	}
	var evt event.Event
	if err := json.Unmarshal(byt, &evt); err != nil {
		return event.Event{}, err
	}
	return evt, nil
}

// validateEventData checks that an arbitrary Send() argument's Data field
// (if it has one) would serialize to a JSON object, via reflection since the
// argument may be an Event, a GenericEvent[T], or any other struct exposing
// a "Data" field with the same json tag.
func validateEventData(evt any) error {
	v := reflect.ValueOf(evt)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	field := v.FieldByName("Data")
	if !field.IsValid() {
		return nil
	}
	return event.ValidateEventDataType(field.Interface())
}

// Input is the data passed to a function: the triggering event (and any
// batched siblings), plus call metadata.
type Input[T any] struct {
	Event    GenericEvent[T] `json:"event"`
	Events   []GenericEvent[T] `json:"events"`
	InputCtx InputCtx        `json:"ctx"`
}

// InputCtx carries metadata about the specific run invoking the function.
type InputCtx struct {
	Env        string `json:"env"`
	FunctionID string `json:"fn_id"`
	RunID      string `json:"run_id"`
	StepID     string `json:"step_id"`
	Attempt    int    `json:"attempt"`
}
