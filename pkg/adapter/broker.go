package adapter

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// BrokerHandler receives a raw broker payload
type BrokerHandler func(ctx context.Context, payload []byte)

// Broker is the cross-process transport collaborator. The core does not care
// what carries the messages: in-process channels, a queue, or a socket all
// work. Delivery is at-least-once with no ordering across topics.
type Broker interface {
	// Publish sends a payload to every subscriber of the topic
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler and returns a function that removes it
	Subscribe(topic string, handler BrokerHandler) func()

	// Close releases transport resources
	Close() error
}

// ChannelBroker is an in-process Broker. Handlers run synchronously on the
// publisher's goroutine, which keeps single-process deployments and tests
// deterministic.
type ChannelBroker struct {
	mu     sync.RWMutex
	topics map[string]map[string]BrokerHandler
}

// NewChannelBroker creates an empty in-process broker
func NewChannelBroker() *ChannelBroker {
	return &ChannelBroker{topics: map[string]map[string]BrokerHandler{}}
}

func (b *ChannelBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	handlers := make([]BrokerHandler, 0, len(b.topics[topic]))
	for _, h := range b.topics[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, payload)
	}
	return nil
}

func (b *ChannelBroker) Subscribe(topic string, handler BrokerHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = map[string]BrokerHandler{}
	}
	id := uuid.New().String()
	b.topics[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (b *ChannelBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = map[string]map[string]BrokerHandler{}
	return nil
}
