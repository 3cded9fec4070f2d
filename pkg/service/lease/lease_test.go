package lease_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/repository"
	"github.com/hiveword/substrate/pkg/service/lease"
	"github.com/hiveword/substrate/pkg/service/store"
)

func setup(t *testing.T) (*store.Store, model.RoomID) {
	s := store.New(repository.NewInMemory())
	t.Cleanup(func() { _ = s.Close() })
	return s, model.NewRoomID()
}

func TestAcquireAndRelease(t *testing.T) {
	s, room := setup(t)
	ctx := context.Background()
	manager := lease.New(s, "proc-1", room, "agent-1")

	held, err := lease.New(s, "proc-1", room, "agent-1").Acquire(ctx, "treasury", time.Minute)
	gt.NoError(t, err)
	gt.V(t, held).NotNil()
	gt.Equal(t, held.Holder, "proc-1")
	gt.Equal(t, held.State, model.LockStateActive)

	gt.NoError(t, manager.Release(ctx, held))

	// key is free again
	second, err := manager.Acquire(ctx, "treasury", time.Minute)
	gt.NoError(t, err)
	gt.V(t, second).NotNil()
}

func TestAcquireContended(t *testing.T) {
	s, room := setup(t)
	ctx := context.Background()

	first := lease.New(s, "proc-1", room, "agent-1")
	second := lease.New(s, "proc-2", room, "agent-2")

	held, err := first.Acquire(ctx, "treasury", time.Minute)
	gt.NoError(t, err)
	gt.V(t, held).NotNil()

	// contention is an outcome, not an error
	blocked, err := second.Acquire(ctx, "treasury", time.Minute)
	gt.NoError(t, err)
	gt.V(t, blocked).Nil()

	// a different key is unaffected
	other, err := second.Acquire(ctx, "vault", time.Minute)
	gt.NoError(t, err)
	gt.V(t, other).NotNil()
}

func TestAcquireExclusivity(t *testing.T) {
	s, room := setup(t)
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	results := make(chan *model.LockLease, contenders)
	errs := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		holder := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager := lease.New(s, holder, room, model.AgentID(holder))
			held, err := manager.Acquire(ctx, "treasury", time.Minute)
			results <- held
			errs <- err
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		gt.NoError(t, err)
	}
	winners := 0
	for held := range results {
		if held != nil {
			winners++
		}
	}
	gt.Equal(t, winners, 1)
}

func TestAcquireAfterExpiry(t *testing.T) {
	s, room := setup(t)
	ctx := context.Background()

	first := lease.New(s, "proc-1", room, "agent-1")
	held, err := first.Acquire(ctx, "treasury", 10*time.Millisecond)
	gt.NoError(t, err)
	gt.V(t, held).NotNil()

	time.Sleep(20 * time.Millisecond)

	// the expired lease is reaped on the next acquire
	second := lease.New(s, "proc-2", room, "agent-2")
	taken, err := second.Acquire(ctx, "treasury", time.Minute)
	gt.NoError(t, err)
	gt.V(t, taken).NotNil()
	gt.Equal(t, taken.Holder, "proc-2")
}

func TestReleaseLostLeaseIsSilent(t *testing.T) {
	s, room := setup(t)
	ctx := context.Background()

	first := lease.New(s, "proc-1", room, "agent-1")
	held, err := first.Acquire(ctx, "treasury", 10*time.Millisecond)
	gt.NoError(t, err)
	gt.V(t, held).NotNil()

	time.Sleep(20 * time.Millisecond)

	second := lease.New(s, "proc-2", room, "agent-2")
	taken, err := second.Acquire(ctx, "treasury", time.Minute)
	gt.NoError(t, err)
	gt.V(t, taken).NotNil()

	// proc-1's handle is stale; releasing it must not disturb proc-2
	gt.NoError(t, first.Release(ctx, held))

	current, err := s.GetLease(ctx, "treasury")
	gt.NoError(t, err)
	gt.Equal(t, current.Content.Lease().LockID, taken.LockID)
	gt.Equal(t, current.Content.Lease().State, model.LockStateActive)
}

func TestReleaseNilIsNoOp(t *testing.T) {
	s, room := setup(t)
	manager := lease.New(s, "proc-1", room, "agent-1")
	gt.NoError(t, manager.Release(context.Background(), nil))
}

func TestAcquireValidation(t *testing.T) {
	s, room := setup(t)
	ctx := context.Background()
	manager := lease.New(s, "proc-1", room, "agent-1")

	_, err := manager.Acquire(ctx, "", time.Minute)
	gt.True(t, errors.Is(err, model.ErrValidation))

	_, err = manager.Acquire(ctx, "treasury", 0)
	gt.True(t, errors.Is(err, model.ErrValidation))
}
