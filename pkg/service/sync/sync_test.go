package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/hiveword/substrate/pkg/adapter"
	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/repository"
	"github.com/hiveword/substrate/pkg/service/store"
	"github.com/hiveword/substrate/pkg/service/sync"
)

// process bundles one simulated agent process: its own store and syncer
// attached to a shared broker.
type process struct {
	store  *store.Store
	syncer *sync.Syncer
}

func newProcess(t *testing.T, broker adapter.Broker, processID string) *process {
	s := store.New(repository.NewInMemory())
	syncer := sync.New(broker, s.Bus(), processID)
	s.SetPublisher(syncer)
	syncer.Start(context.Background())
	t.Cleanup(func() {
		syncer.Stop()
		_ = s.Close()
	})
	return &process{store: s, syncer: syncer}
}

func TestMutationReachesOtherProcess(t *testing.T) {
	broker := adapter.NewChannelBroker()
	defer broker.Close()

	a := newProcess(t, broker, "proc-a")
	b := newProcess(t, broker, "proc-b")

	var observed []*model.MutationEvent
	b.store.Bus().Subscribe(model.EventMemoryCreated, func(ctx context.Context, ev *model.MutationEvent) error {
		observed = append(observed, ev)
		return nil
	})

	room := model.NewRoomID()
	memory := &model.Memory{
		ID:      model.NewMemoryID(),
		RoomID:  room,
		Content: model.Content{Kind: model.KindMessage, Text: "hello from a"},
	}
	gt.NoError(t, a.store.CreateMemory(context.Background(), memory))

	gt.A(t, observed).Length(1)
	gt.Equal(t, observed[0].Operation, model.OperationCreate)
	gt.Equal(t, observed[0].Memory.ID, memory.ID)
	gt.Equal(t, observed[0].Memory.Content.Text, "hello from a")
	gt.Equal(t, observed[0].RoomID, room)
}

func TestOwnMutationNotReplayed(t *testing.T) {
	broker := adapter.NewChannelBroker()
	defer broker.Close()

	a := newProcess(t, broker, "proc-a")

	creates := 0
	a.store.Bus().Subscribe(model.EventMemoryCreated, func(ctx context.Context, ev *model.MutationEvent) error {
		creates++
		return nil
	})

	memory := &model.Memory{
		ID:      model.NewMemoryID(),
		RoomID:  model.NewRoomID(),
		Content: model.Content{Kind: model.KindMessage, Text: "local"},
	}
	gt.NoError(t, a.store.CreateMemory(context.Background(), memory))

	// exactly once: the local fan-out, no broker echo
	gt.Equal(t, creates, 1)
}

func TestVersionedContentSurvivesTheWire(t *testing.T) {
	broker := adapter.NewChannelBroker()
	defer broker.Close()

	a := newProcess(t, broker, "proc-a")
	b := newProcess(t, broker, "proc-b")

	var got *model.Memory
	b.store.Bus().Subscribe(string(model.KindProposal), func(ctx context.Context, ev *model.MutationEvent) error {
		got = ev.Memory
		return nil
	})

	proposal := &model.Memory{
		ID:     model.NewMemoryID(),
		RoomID: model.NewRoomID(),
		Content: model.Content{
			Kind:   model.KindProposal,
			Status: model.StatusOpen,
			Body:   model.ProposalBody{ProposalID: "p-9", Title: "rebalance"},
		},
	}
	gt.NoError(t, a.store.CreateMemory(context.Background(), proposal))

	gt.V(t, got).NotNil()
	gt.Equal(t, got.Content.Version, 1)
	gt.Equal(t, got.Content.Status, model.StatusOpen)
	body, ok := got.Content.Body.(model.ProposalBody)
	gt.True(t, ok)
	gt.Equal(t, body.ProposalID, "p-9")
}

func TestStopDetachesFromBroker(t *testing.T) {
	broker := adapter.NewChannelBroker()
	defer broker.Close()

	a := newProcess(t, broker, "proc-a")
	b := newProcess(t, broker, "proc-b")

	creates := 0
	b.store.Bus().Subscribe(model.EventMemoryCreated, func(ctx context.Context, ev *model.MutationEvent) error {
		creates++
		return nil
	})
	b.syncer.Stop()

	memory := &model.Memory{
		ID:      model.NewMemoryID(),
		RoomID:  model.NewRoomID(),
		Content: model.Content{Kind: model.KindMessage, Text: "after stop"},
	}
	gt.NoError(t, a.store.CreateMemory(context.Background(), memory))
	gt.Equal(t, creates, 0)
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	broker := adapter.NewChannelBroker()
	defer broker.Close()

	b := newProcess(t, broker, "proc-b")

	events := 0
	b.store.Bus().Subscribe(model.EventMemoryCreated, func(ctx context.Context, ev *model.MutationEvent) error {
		events++
		return nil
	})

	gt.NoError(t, broker.Publish(context.Background(), model.SyncTopic, []byte("not json")))
	gt.Equal(t, events, 0)
}

func TestEnvelopeCarriesTimestamps(t *testing.T) {
	broker := adapter.NewChannelBroker()
	defer broker.Close()

	a := newProcess(t, broker, "proc-a")
	b := newProcess(t, broker, "proc-b")

	var got *model.Memory
	b.store.Bus().Subscribe(model.EventMemoryCreated, func(ctx context.Context, ev *model.MutationEvent) error {
		got = ev.Memory
		return nil
	})

	before := time.Now().Add(-time.Second)
	memory := &model.Memory{
		ID:      model.NewMemoryID(),
		RoomID:  model.NewRoomID(),
		Content: model.Content{Kind: model.KindMessage, Text: "timed"},
	}
	gt.NoError(t, a.store.CreateMemory(context.Background(), memory))

	gt.V(t, got).NotNil()
	gt.True(t, got.CreatedAt.After(before))
}
