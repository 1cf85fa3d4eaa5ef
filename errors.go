package inngestgo

import (
	"fmt"
	"time"

	"github.com/inngest/sdk-go/internal/errctl"
)

// errConfig reports an invalid function or client configuration.
func errConfig(msg string, args ...any) error {
	return fmt.Errorf("invalid configuration: "+msg, args...)
}

// NoRetryError wraps err so that the platform does not retry the step or
// function that returned it.
func NoRetryError(err error) error {
	return errctl.WrapNoRetry(err)
}

// IsNoRetryError reports whether err (or anything it wraps) was produced by
// NoRetryError.
func IsNoRetryError(err error) bool {
	return errctl.IsNoRetry(err)
}

// RetryAtError wraps err with an explicit time at which the step or function
// should next be retried, overriding the platform's default backoff.
func RetryAtError(err error, at time.Time) error {
	return errctl.WrapRetryAt(err, at)
}

// GetRetryAtTime returns the retry time attached via RetryAtError, or nil if
// err doesn't carry one.
func GetRetryAtTime(err error) *time.Time {
	return errctl.GetRetryAt(err)
}

// IsStepError reports whether err represents a step that has permanently
// failed (exhausted its retries), as opposed to a transient error that will
// be retried.
func IsStepError(err error) bool {
	return errctl.IsStepError(err)
}
