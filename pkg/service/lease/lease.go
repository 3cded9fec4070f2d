package lease

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/service/store"
	"github.com/hiveword/substrate/pkg/utils/logging"
)

// Manager provides distributed mutual exclusion over application-defined
// keys. Atomicity comes from the store's uniqueness guarantee on active
// leases, not from application logic: under contention exactly one insert
// lands and every other acquirer observes "not acquired". No explicit
// transaction is opened here; the store serializes in-process writes and
// the backend's unique index arbitrates across processes.
type Manager struct {
	store   *store.Store
	holder  string
	roomID  model.RoomID
	agentID model.AgentID
}

// New creates a lease manager. holder identifies this process in lease rows.
func New(memStore *store.Store, holder string, roomID model.RoomID, agentID model.AgentID) *Manager {
	return &Manager{
		store:   memStore,
		holder:  holder,
		roomID:  roomID,
		agentID: agentID,
	}
}

// Acquire attempts to take the lease for key. It returns (nil, nil) when the
// lease is currently held elsewhere; that is an expected outcome, not an
// error. Expired leases are reaped lazily here, there is no background
// sweeper. Leases are fixed-TTL: no renewal path exists, a never-released
// lease simply expires and the next Acquire reaps it.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*model.LockLease, error) {
	if key == "" {
		return nil, goerr.Wrap(model.ErrValidation, "lease key is empty")
	}
	if ttl <= 0 {
		return nil, goerr.Wrap(model.ErrValidation, "lease ttl must be positive", goerr.V("ttl", ttl))
	}

	now := time.Now()
	if _, err := m.store.ReapExpiredLeases(ctx, key, now); err != nil {
		return nil, err
	}

	lease := model.LockLease{
		Key:        key,
		Holder:     m.holder,
		LockID:     model.NewLockID(),
		ExpiresAt:  now.Add(ttl).UnixMilli(),
		AcquiredAt: now.UnixMilli(),
		State:      model.LockStateActive,
		Version:    1,
	}
	memory := &model.Memory{
		ID:      model.NewMemoryID(),
		RoomID:  m.roomID,
		AgentID: m.agentID,
		Content: model.Content{
			Kind: model.KindDistributedLock,
			Body: lease,
		},
	}

	if err := m.store.CreateMemory(ctx, memory); err != nil {
		if errors.Is(err, model.ErrLockConflict) {
			logging.From(ctx).Debug("lease contended", "key", key, "holder", m.holder)
			return nil, nil
		}
		return nil, err
	}
	return &lease, nil
}

// Release gives the lease back. The lease is re-read first and released only
// if this manager still owns it: a lease that expired, changed hands or was
// already released is treated as lost and the call returns silently.
func (m *Manager) Release(ctx context.Context, lease *model.LockLease) error {
	if lease == nil {
		return nil
	}

	current, err := m.store.GetLease(ctx, lease.Key)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}

	held := current.Content.Lease()
	if held == nil ||
		held.LockID != lease.LockID ||
		held.Holder != m.holder ||
		held.State != model.LockStateActive ||
		held.Expired(time.Now()) {
		logging.From(ctx).Debug("lease already lost", "key", lease.Key, "holder", m.holder)
		return nil
	}

	released := *held
	released.State = model.LockStateReleased
	updated := current.Clone()
	updated.Content.Body = released

	return m.store.UpdateMemory(ctx, updated)
}
