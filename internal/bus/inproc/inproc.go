// Package inproc implements an in-process bus.Producer/bus.Consumer
// pair, the default transport for single-process simulations. Each
// subscriber gets its own buffered queue and dispatch goroutine, so
// publish order is preserved per (producer, topic) pair and a slow
// handler never blocks the producer.
package inproc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tickit-go/tickit/internal/bus"
	"github.com/tickit-go/tickit/internal/config"
	"github.com/tickit-go/tickit/internal/types"
)

const defaultQueueSize = 64

type envelope struct {
	topic bus.Topic
	msg   types.Message
}

// Bus is a shared in-process broker: every topic may have any number of
// subscribers, each with its own buffered delivery queue and a dedicated
// dispatch goroutine that calls its handler in arrival order. Publishing
// is at-least-once per current subscriber and never blocks on a slow
// subscriber's handler; a full queue drops for that one subscriber
// rather than stalling the whole bus.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[bus.Topic][]*subscription
}

type subscription struct {
	queue   chan envelope
	handler bus.Handler
	done    chan struct{}
}

// New creates an empty in-process bus. A nil logger is replaced with
// slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[bus.Topic][]*subscription),
	}
}

// Produce delivers msg to every subscriber currently registered on
// topic. Per-topic ordering from a single producer goroutine is
// preserved because each subscriber's queue is itself ordered and
// Produce enqueues synchronously before returning.
func (b *Bus) Produce(ctx context.Context, topic bus.Topic, msg types.Message) error {
	b.logger.Log(ctx, config.LevelTrace, "inproc bus produce",
		"topic", string(topic), "kind", fmt.Sprintf("%T", msg))

	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- envelope{topic: topic, msg: msg}:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.logger.Warn("inproc bus dropped message: subscriber queue full",
				"topic", string(topic))
		}
	}
	return nil
}

// Subscribe registers handler for every topic in topics and starts one
// dispatch goroutine per Subscribe call that serialises delivery to
// handler in arrival order across all of its topics. Cancelling ctx
// stops dispatch and releases the subscription.
func (b *Bus) Subscribe(ctx context.Context, topics []bus.Topic, handler bus.Handler) error {
	s := &subscription{
		queue:   make(chan envelope, defaultQueueSize),
		handler: handler,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], s)
	}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case e := <-s.queue:
				b.logger.Log(ctx, config.LevelTrace, "inproc bus dispatch",
					"topic", string(e.topic), "kind", fmt.Sprintf("%T", e.msg))
				s.handler(e.topic, e.msg)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		b.unsubscribe(topics, s)
	}()

	return nil
}

func (b *Bus) unsubscribe(topics []bus.Topic, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		list := b.subs[t]
		for i, cand := range list {
			if cand == s {
				b.subs[t] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Close is a no-op on the shared Bus; subscriptions are torn down by
// cancelling the context passed to Subscribe. It exists so Bus satisfies
// the bus.Consumer interface directly where a single subscription's
// lifetime is tied to ctx.
func (b *Bus) Close() error { return nil }
