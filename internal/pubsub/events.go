// Package pubsub provides a generic publish/subscribe event system.
package pubsub

import "context"

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan T
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(event T)
}
