// Package fn holds the function-definition types shared between the root
// package (which exposes them to users) and the execution engine (which
// only needs to read them back out, eg. for building call context).
package fn

import (
	"encoding/json"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// ServableFunction is implemented by any value that a handler can serve:
// it knows its own identity, configuration, trigger and underlying Go
// function, without needing to know the concrete event type.
type ServableFunction interface {
	Slug() string
	Name() string
	Config() FunctionOpts
	ZeroEvent() any
	Func() any
}

// FunctionOpts configures a function's identity, concurrency, retry and
// scheduling behaviour.
type FunctionOpts struct {
	Name string
	// ID is an optional function ID. If nil, it is derived by slugging Name.
	ID *string

	Retries     *int
	Idempotency *string
	Priority    *string

	Concurrency []ConcurrencyLimit
	RateLimit   *RateLimit
	Throttle    *Throttle
	Debounce    *Debounce
	BatchEvents *BatchConfig
	Cancel      []CancelTrigger
	Timeouts    *Timeouts
}

// GetRateLimit returns the configured rate limit, or nil.
func (f FunctionOpts) GetRateLimit() *RateLimit {
	return f.RateLimit
}

type ConcurrencyLimit struct {
	Limit  int     `json:"limit"`
	Key    *string `json:"key,omitempty"`
	Scope  string  `json:"scope,omitempty"`
}

type RateLimit struct {
	Limit  int           `json:"limit"`
	Period time.Duration `json:"period"`
	Key    *string       `json:"key,omitempty"`
}

type Throttle struct {
	Limit  int           `json:"limit"`
	Period time.Duration `json:"period"`
	Burst  int           `json:"burst,omitempty"`
	Key    *string       `json:"key,omitempty"`
}

type Debounce struct {
	Key     string        `json:"key"`
	Period  time.Duration `json:"period"`
	Timeout *time.Duration `json:"timeout,omitempty"`
}

type BatchConfig struct {
	MaxSize int           `json:"maxSize"`
	Timeout time.Duration `json:"timeout"`
	Key     *string       `json:"key,omitempty"`
}

type CancelTrigger struct {
	Event      string  `json:"event"`
	Expression *string `json:"if,omitempty"`
	Timeout    *string `json:"timeout,omitempty"`
}

// Timeouts bounds how long a run may wait to start, and how long it may run
// for in total, serialized as compact duration strings ("1s", "2h30m",
// "1d") rather than nanosecond counts.
type Timeouts struct {
	Start  *time.Duration
	Finish *time.Duration
}

func (t Timeouts) MarshalJSON() ([]byte, error) {
	m := map[string]string{}
	if t.Start != nil {
		m["start"] = str2duration.String(*t.Start)
	}
	if t.Finish != nil {
		m["finish"] = str2duration.String(*t.Finish)
	}
	return json.Marshal(m)
}
