// Package publisher broadcasts job lifecycle notifications to a message
// topic so other systems can react to finished jobs.
package publisher

import "context"

// Publisher sends one JSON-encoded payload to a topic and returns the
// broker-assigned message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
	Close() error
}
