package sync

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/hiveword/substrate/pkg/adapter"
	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/service/bus"
	"github.com/hiveword/substrate/pkg/utils/logging"
)

// Syncer propagates mutations between agent processes sharing one backend.
// Outbound, every local mutation is wrapped in a wire envelope and handed to
// the broker. Inbound, envelopes from other processes are re-driven through
// the local mutation bus, so subscribers in every process observe every
// mutation regardless of origin. Delivery is at-least-once and unordered
// across keys; there is no deduplication, handlers must be idempotent.
type Syncer struct {
	broker    adapter.Broker
	bus       *bus.Bus
	processID string

	unsubscribe func()
}

// New creates a syncer bound to a local bus and a broker
func New(broker adapter.Broker, localBus *bus.Bus, processID string) *Syncer {
	return &Syncer{
		broker:    broker,
		bus:       localBus,
		processID: processID,
	}
}

// ProcessID identifies this process in outbound envelopes
func (s *Syncer) ProcessID() string {
	return s.processID
}

// PublishMutation sends a local mutation to every other process
func (s *Syncer) PublishMutation(ctx context.Context, op model.Operation, memory *model.Memory) error {
	envelope := model.NewSyncEnvelope(op, memory, s.processID, time.Now())
	payload, err := envelope.Encode()
	if err != nil {
		return err
	}
	if err := s.broker.Publish(ctx, model.SyncTopic, payload); err != nil {
		return goerr.Wrap(err, "failed to publish mutation", goerr.V("operation", op))
	}
	return nil
}

// Start subscribes to the sync topic. Envelopes originating from this
// process are dropped; everything else is replayed on the local bus.
func (s *Syncer) Start(ctx context.Context) {
	s.unsubscribe = s.broker.Subscribe(model.SyncTopic, func(ctx context.Context, payload []byte) {
		envelope, err := model.DecodeSyncEnvelope(payload)
		if err != nil {
			logging.From(ctx).Warn("dropping malformed sync envelope", "error", err)
			return
		}
		if envelope.ProcessID == s.processID {
			return
		}

		memory := envelope.ToMemory()
		if err := s.bus.NotifyMutation(ctx, envelope.Operation, memory); err != nil {
			logging.From(ctx).Warn("remote mutation subscribers failed",
				"operation", envelope.Operation,
				"origin", envelope.ProcessID,
				"error", err)
		}
	})
}

// Stop detaches from the broker
func (s *Syncer) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}
