// Package publish emits the call lifecycle feed. Consumers (dashboards,
// audit pipelines) subscribe to state transitions over MQTT; delivery is
// best effort and never blocks event processing.
package publish

import "context"

// Publisher is the transport behind the lifecycle feed.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
