package step

import (
	"context"
	"errors"

	inngestgo "github.com/inngest/sdk-go"
	"github.com/inngest/sdk-go/internal"
)

// Send sends an event to Inngest, durably: the send itself is memoized like
// any other step, so retries of this function never double-send.
func Send(
	ctx context.Context,
	id string,
	event inngestgo.Event,
) (string, error) {
	return Run(ctx, id, func(ctx context.Context) (string, error) {
		sender, ok := internal.EventSenderFromContext(ctx)
		if !ok {
			return "", errors.New("no event sender found in context")
		}

		return sender.Send(ctx, event)
	})
}

// SendMany sends a batch of events to Inngest, durably.
func SendMany(
	ctx context.Context,
	id string,
	events []inngestgo.Event,
) ([]string, error) {
	return Run(ctx, id, func(ctx context.Context) ([]string, error) {
		sender, ok := internal.EventSenderFromContext(ctx)
		if !ok {
			return nil, errors.New("no event sender found in context")
		}

		many := make([]any, len(events))
		for i, event := range events {
			many[i] = event
		}
		return sender.SendMany(ctx, many)
	})
}
