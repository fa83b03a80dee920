// Package bus declares the abstract publish/subscribe contract between
// the schedulers and the component runtimes, and the bit-exact topic
// naming convention both sides must agree on.
package bus

import (
	"context"
	"fmt"

	"github.com/tickit-go/tickit/internal/types"
)

// Topic is an opaque bus topic name.
type Topic string

// InputTopic returns the bit-exact input topic name for a component:
// "tickit-<component>-in".
func InputTopic(c types.ComponentID) Topic {
	return Topic(fmt.Sprintf("tickit-%s-in", c))
}

// OutputTopic returns the bit-exact output topic name for a component:
// "tickit-<component>-out".
func OutputTopic(c types.ComponentID) Topic {
	return Topic(fmt.Sprintf("tickit-%s-out", c))
}

// Handler is invoked once per message delivered to a subscribed topic.
// Implementations must not block indefinitely; a slow handler delays
// delivery of subsequent messages on the same topic only; messages on
// other topics may still be delivered concurrently.
type Handler func(topic Topic, msg types.Message)

// Producer publishes messages to topics. Implementations must preserve
// publish order per (producer, topic) pair and deliver at-least-once to
// every current subscriber.
type Producer interface {
	Produce(ctx context.Context, topic Topic, msg types.Message) error
}

// Consumer subscribes to a set of topics and delivers messages to a
// single Handler in arrival order. A handler invocation for one topic
// may overlap with a handler invocation for a different topic, but
// never with another invocation for the same topic.
type Consumer interface {
	Subscribe(ctx context.Context, topics []Topic, handler Handler) error
	Close() error
}
