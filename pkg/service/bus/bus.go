package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/utils/logging"
)

// Handler receives a mutation event. The event's Memory reference is only
// valid for the duration of the call.
type Handler func(ctx context.Context, event *model.MutationEvent) error

// Subscription is the opaque handle returned by Subscribe. Unsubscribing by
// handle avoids the identity problems of comparing callback values.
type Subscription struct {
	id    string
	event string
}

type entry struct {
	id      string
	handler Handler
}

// Bus is the per-store mutation publish/subscribe registry, keyed by content
// kind plus the generic memory_created/updated/deleted events. It is owned by
// one store instance and passed by reference to collaborators; there is no
// ambient global registry.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]entry
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subs: map[string][]entry{}}
}

// Subscribe registers a handler for an event name and returns its handle
func (b *Bus) Subscribe(event string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := Subscription{id: uuid.New().String(), event: event}
	b.subs[event] = append(b.subs[event], entry{id: sub.id, handler: handler})
	return sub
}

// Unsubscribe removes the handler behind the handle and prunes the event
// entry once its last handler is gone
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.subs[sub.event]
	for i, e := range entries {
		if e.id == sub.id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(b.subs, sub.event)
		return
	}
	b.subs[sub.event] = entries
}

// SubscriberCount reports the number of handlers registered for an event
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

// Publish invokes handlers sequentially in registration order. A failing or
// panicking handler is logged and skipped; the remaining handlers still run.
// Errors are aggregated and returned once after the full fan-out.
func (b *Bus) Publish(ctx context.Context, event string, mutation *model.MutationEvent) error {
	b.mu.RLock()
	entries := append([]entry(nil), b.subs[event]...)
	b.mu.RUnlock()

	var failures []error
	for _, e := range entries {
		if err := b.invoke(ctx, e, mutation); err != nil {
			logging.From(ctx).Warn("mutation subscriber failed",
				"event", event, "error", err)
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return goerr.New("mutation fan-out had subscriber failures",
			goerr.V("event", event),
			goerr.V("failed", len(failures)),
			goerr.V("errors", failures))
	}
	return nil
}

func (b *Bus) invoke(ctx context.Context, e entry, mutation *model.MutationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = goerr.New(fmt.Sprintf("subscriber panic: %v", r))
		}
	}()
	return e.handler(ctx, mutation)
}

// NotifyMutation publishes a mutation twice: under its generic event name and
// under the record's own content kind, so subscribers can listen broadly or
// narrowly.
func (b *Bus) NotifyMutation(ctx context.Context, op model.Operation, memory *model.Memory) error {
	event := &model.MutationEvent{
		Type:      string(memory.Content.Kind),
		Operation: op,
		Content:   memory.Content,
		RoomID:    memory.RoomID,
		AgentID:   memory.AgentID,
		Timestamp: time.Now(),
		Memory:    memory,
	}

	var failures []error
	if err := b.Publish(ctx, model.EventForOperation(op), event); err != nil {
		failures = append(failures, err)
	}
	if err := b.Publish(ctx, string(memory.Content.Kind), event); err != nil {
		failures = append(failures, err)
	}
	if len(failures) > 0 {
		return goerr.New("mutation notification failed",
			goerr.V("operation", op),
			goerr.V("kind", memory.Content.Kind),
			goerr.V("errors", failures))
	}
	return nil
}
