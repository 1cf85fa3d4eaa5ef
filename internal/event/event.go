// Package event holds the wire representation of events sent to and
// received from the platform, independent of the user-facing generic
// wrapper types in the root package.
package event

import (
	"fmt"
	"reflect"
)

// Event is the untyped wire shape of an event.
type Event struct {
	ID        *string        `json:"id,omitempty"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	User      any            `json:"user,omitempty"`
	Timestamp int64          `json:"ts,omitempty"`
	Version   string         `json:"v,omitempty"`
}

func (e *Event) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("event name must be present")
	}
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	return nil
}

func (e Event) Map() map[string]any {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	if e.User == nil {
		e.User = make(map[string]any)
	}

	data := map[string]any{
		"name": e.Name,
		"data": e.Data,
		"user": e.User,
		"ts":   float64(e.Timestamp),
	}
	if e.Version != "" {
		data["v"] = e.Version
	}
	if e.ID != nil {
		data["id"] = *e.ID
	}
	return data
}

// ValidateEventDataType ensures that an event's Data field, prior to
// marshaling, is something that serializes to a JSON object: nil, a map, a
// struct, or a pointer to a struct. Anything else (scalars, slices, funcs)
// would produce a non-object "data" field that the platform rejects.
func ValidateEventDataType(v any) error {
	if v == nil {
		return nil
	}

	rv := reflect.ValueOf(v)
	t := rv.Type()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Map, reflect.Struct:
		return nil
	default:
		return fmt.Errorf("event data must be a map or struct, got %s", t.Kind())
	}
}
