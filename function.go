package inngestgo

import (
	"context"
	"reflect"

	"github.com/gosimple/slug"
	"github.com/inngest/sdk-go/internal/fn"
)

// FunctionOpts configures a function's identity, retries, concurrency and
// scheduling behaviour.
type FunctionOpts struct {
	// ID uniquely identifies the function within its app. Required.
	ID string
	// Name is a human-readable label shown in the UI.
	Name string

	Retries     *int
	Idempotency *string
	Priority    *string

	Concurrency []fn.ConcurrencyLimit
	RateLimit   *fn.RateLimit
	Throttle    *fn.Throttle
	Debounce    *fn.Debounce
	BatchEvents *fn.BatchConfig
	Cancel      []fn.CancelTrigger
	Timeouts    *fn.Timeouts
}

func (f FunctionOpts) toInternal() fn.FunctionOpts {
	return fn.FunctionOpts{
		Name:        f.Name,
		ID:          &f.ID,
		Retries:     f.Retries,
		Idempotency: f.Idempotency,
		Priority:    f.Priority,
		Concurrency: f.Concurrency,
		RateLimit:   f.RateLimit,
		Throttle:    f.Throttle,
		Debounce:    f.Debounce,
		BatchEvents: f.BatchEvents,
		Cancel:      f.Cancel,
		Timeouts:    f.Timeouts,
	}
}

// GetRateLimit returns the configured rate limit, or nil.
func (f FunctionOpts) GetRateLimit() *fn.RateLimit {
	return f.RateLimit
}

// SDKFunction is a user-defined handler invoked for each matching event or
// schedule tick.
type SDKFunction[T any] func(ctx context.Context, input Input[T]) (any, error)

// ServableFunction is a function that has been registered with a client and
// can be served over HTTP or connect.
type ServableFunction interface {
	fn.ServableFunction

	Trigger() Trigger
	// FullyQualifiedID returns the app-scoped identifier ("appID-fnID")
	// used to address this function from step.Invoke.
	FullyQualifiedID() string
}

type servableFunc struct {
	appID   string
	fc      FunctionOpts
	trigger Trigger
	f       any
}

func (s servableFunc) Config() fn.FunctionOpts { return s.fc.toInternal() }

func (s servableFunc) Slug() string {
	if s.fc.ID == "" {
		return slug.Make(s.fc.Name)
	}
	return s.fc.ID
}

func (s servableFunc) Name() string { return s.fc.Name }

func (s servableFunc) Trigger() Trigger { return s.trigger }

func (s servableFunc) FullyQualifiedID() string {
	return s.appID + "-" + s.Slug()
}

func (s servableFunc) ZeroEvent() any {
	fVal := reflect.ValueOf(s.f)
	inputVal := reflect.New(fVal.Type().In(1)).Elem()
	return reflect.New(inputVal.FieldByName("Event").Type()).Elem().Interface()
}

func (s servableFunc) Func() any { return s.f }

// CreateFunction registers a new function against the given client. The
// handler's input event type is inferred from f's signature.
func CreateFunction[T any](
	c Client,
	fc FunctionOpts,
	trigger Trigger,
	f SDKFunction[T],
) (ServableFunction, error) {
	if fc.ID == "" {
		return nil, errConfig("function ID must not be empty")
	}
	if len(trigger.Triggers()) == 0 {
		return nil, errConfig("function must have at least one trigger")
	}
	if fc.BatchEvents != nil {
		if len(fc.Cancel) > 0 {
			return nil, errConfig("batchEvents cannot be combined with cancelOn")
		}
		if fc.RateLimit != nil {
			return nil, errConfig("batchEvents cannot be combined with rateLimit")
		}
		if fc.Idempotency != nil {
			return nil, errConfig("batchEvents cannot be combined with idempotency")
		}
	}

	sf := servableFunc{
		appID:   c.AppID(),
		fc:      fc,
		trigger: trigger,
		f:       f,
	}

	c.addFunction(sf)

	return sf, nil
}
