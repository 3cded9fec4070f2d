package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/repository"
)

func newMessage(room model.RoomID, text string, createdAt time.Time) *model.Memory {
	return &model.Memory{
		ID:        model.NewMemoryID(),
		RoomID:    room,
		Content:   model.Content{Kind: model.KindMessage, Text: text},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestInMemoryRoundTrip(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()

	memory := newMessage(model.NewRoomID(), "hello", time.Now())
	gt.NoError(t, repo.PutMemory(ctx, memory))

	got, err := repo.GetMemory(ctx, memory.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.ID, memory.ID)
	gt.Equal(t, got.Content.Text, "hello")
	gt.V(t, got.Embedding).Nil()

	// callers hold copies, not store-owned state
	got.Content.Text = "tampered"
	again, err := repo.GetMemory(ctx, memory.ID)
	gt.NoError(t, err)
	gt.Equal(t, again.Content.Text, "hello")
}

func TestInMemoryGetMemoryNotFound(t *testing.T) {
	repo := repository.NewInMemory()

	_, err := repo.GetMemory(context.Background(), model.NewMemoryID())
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestInMemoryRoomFilters(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()
	room := model.NewRoomID()
	base := time.Now().Add(-time.Hour)

	oldMsg := newMessage(room, "old", base)
	newMsg := newMessage(room, "new", base.Add(30*time.Minute))
	proposal := &model.Memory{
		ID:        model.NewMemoryID(),
		RoomID:    room,
		Content:   model.Content{Kind: model.KindProposal, Status: model.StatusOpen},
		CreatedAt: base.Add(10 * time.Minute),
	}
	other := newMessage(model.NewRoomID(), "elsewhere", base)

	for _, m := range []*model.Memory{oldMsg, newMsg, proposal, other} {
		gt.NoError(t, repo.PutMemory(ctx, m))
	}

	all, err := repo.GetByRoom(ctx, room, repository.RoomQuery{})
	gt.NoError(t, err)
	gt.A(t, all).Length(3)
	gt.Equal(t, all[0].ID, newMsg.ID) // newest first

	msgs, err := repo.GetByRoom(ctx, room, repository.RoomQuery{Kinds: []model.ContentKind{model.KindMessage}})
	gt.NoError(t, err)
	gt.A(t, msgs).Length(2)

	windowed, err := repo.GetByRoom(ctx, room, repository.RoomQuery{
		Start: base.Add(5 * time.Minute),
		End:   base.Add(20 * time.Minute),
	})
	gt.NoError(t, err)
	gt.A(t, windowed).Length(1)
	gt.Equal(t, windowed[0].ID, proposal.ID)

	limited, err := repo.GetByRoom(ctx, room, repository.RoomQuery{Count: 1})
	gt.NoError(t, err)
	gt.A(t, limited).Length(1)
}

func TestInMemoryPagination(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()
	room := model.NewRoomID()
	base := time.Now()

	var ids []model.MemoryID
	for i := 0; i < 3; i++ {
		m := newMessage(room, "msg", base.Add(time.Duration(i)*time.Second))
		gt.NoError(t, repo.PutMemory(ctx, m))
		ids = append(ids, m.ID)
	}

	page, err := repo.GetPaginated(ctx, room, 2, "", time.Time{}, time.Time{})
	gt.NoError(t, err)
	gt.A(t, page.Items).Length(2)
	gt.True(t, page.HasMore)
	gt.Equal(t, page.NextCursor, page.Items[1].ID)

	rest, err := repo.GetPaginated(ctx, room, 2, page.NextCursor, time.Time{}, time.Time{})
	gt.NoError(t, err)
	gt.A(t, rest.Items).Length(1)
	gt.False(t, rest.HasMore)
	gt.Equal(t, rest.Items[0].ID, ids[0]) // oldest arrives last
}

func TestInMemoryNestedRollback(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()
	room := model.NewRoomID()

	a := newMessage(room, "A", time.Now())
	b := newMessage(room, "B", time.Now())

	gt.NoError(t, repo.Begin(ctx))
	gt.NoError(t, repo.PutMemory(ctx, a))
	gt.NoError(t, repo.Begin(ctx))
	gt.NoError(t, repo.PutMemory(ctx, b))
	gt.NoError(t, repo.Rollback(ctx)) // inner scope only
	gt.NoError(t, repo.Commit(ctx))

	_, err := repo.GetMemory(ctx, a.ID)
	gt.NoError(t, err)
	_, err = repo.GetMemory(ctx, b.ID)
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestInMemoryOuterRollbackUndoesEverything(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()
	room := model.NewRoomID()

	a := newMessage(room, "A", time.Now())

	gt.NoError(t, repo.Begin(ctx))
	gt.NoError(t, repo.PutMemory(ctx, a))
	gt.NoError(t, repo.Rollback(ctx))

	_, err := repo.GetMemory(ctx, a.ID)
	gt.True(t, errors.Is(err, model.ErrNotFound))
	gt.False(t, repo.InTransaction())
}

func TestInMemoryTransactionMisuse(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()

	gt.True(t, errors.Is(repo.Commit(ctx), model.ErrTransactionState))
	gt.True(t, errors.Is(repo.Rollback(ctx), model.ErrTransactionState))

	_, err := repo.GetWithLock(ctx, model.NewMemoryID())
	gt.True(t, errors.Is(err, model.ErrTransactionState))
}

func TestInMemoryGetWithLockInsideTransaction(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()

	memory := newMessage(model.NewRoomID(), "locked read", time.Now())
	gt.NoError(t, repo.PutMemory(ctx, memory))

	gt.NoError(t, repo.Begin(ctx))
	got, err := repo.GetWithLock(ctx, memory.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.ID, memory.ID)
	gt.NoError(t, repo.Commit(ctx))
}

func TestInMemoryActiveLeaseUniqueness(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()
	room := model.NewRoomID()
	now := time.Now()

	lease := func(holder string) *model.Memory {
		return &model.Memory{
			ID:     model.NewMemoryID(),
			RoomID: room,
			Content: model.Content{
				Kind: model.KindDistributedLock,
				Body: model.LockLease{
					Key:        "treasury",
					Holder:     holder,
					LockID:     model.NewLockID(),
					ExpiresAt:  now.Add(time.Minute).UnixMilli(),
					AcquiredAt: now.UnixMilli(),
					State:      model.LockStateActive,
					Version:    1,
				},
			},
			CreatedAt: now,
		}
	}

	gt.NoError(t, repo.PutMemory(ctx, lease("proc-1")))

	err := repo.PutMemory(ctx, lease("proc-2"))
	gt.True(t, errors.Is(err, model.ErrLockConflict))

	got, err := repo.GetLease(ctx, "treasury")
	gt.NoError(t, err)
	gt.Equal(t, got.Content.Lease().Holder, "proc-1")
}

func TestInMemoryReapExpiredLeases(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()
	now := time.Now()

	expired := &model.Memory{
		ID:     model.NewMemoryID(),
		RoomID: model.NewRoomID(),
		Content: model.Content{
			Kind: model.KindDistributedLock,
			Body: model.LockLease{
				Key:        "stale",
				Holder:     "proc-1",
				LockID:     model.NewLockID(),
				ExpiresAt:  now.Add(-time.Second).UnixMilli(),
				AcquiredAt: now.Add(-time.Minute).UnixMilli(),
				State:      model.LockStateActive,
				Version:    1,
			},
		},
		CreatedAt: now.Add(-time.Minute),
	}
	gt.NoError(t, repo.PutMemory(ctx, expired))

	reaped, err := repo.ReapExpiredLeases(ctx, "stale", now)
	gt.NoError(t, err)
	gt.Equal(t, reaped, 1)

	_, err = repo.GetLease(ctx, "stale")
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestInMemoryVersionsNewestFirst(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()
	id := model.NewMemoryID()

	for v := 1; v <= 3; v++ {
		gt.NoError(t, repo.PutVersion(ctx, &model.VersionedRecord{
			MemoryID:      id,
			Version:       v,
			Content:       model.Content{Kind: model.KindProposal, Version: v},
			VersionReason: "update",
			CreatedAt:     time.Now(),
		}))
	}

	records, err := repo.ListVersions(ctx, id)
	gt.NoError(t, err)
	gt.A(t, records).Length(3)
	gt.Equal(t, records[0].Version, 3)
	gt.Equal(t, records[2].Version, 1)
}

func TestInMemorySearchSimilar(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()
	room := model.NewRoomID()

	vec := func(seed float32) []float32 {
		v := make([]float32, model.EmbeddingDim)
		v[0] = 1
		v[1] = seed
		return v
	}

	near := newMessage(room, "near", time.Now())
	near.Embedding = vec(0.01)
	far := newMessage(room, "far", time.Now())
	far.Embedding = func() []float32 {
		v := make([]float32, model.EmbeddingDim)
		v[2] = 1 // orthogonal to the probe
		return v
	}()
	plain := newMessage(room, "no embedding", time.Now())

	for _, m := range []*model.Memory{near, far, plain} {
		gt.NoError(t, repo.PutMemory(ctx, m))
	}

	hits, err := repo.SearchSimilar(ctx, vec(0), repository.SimilarQuery{Threshold: 0.9, RoomID: room})
	gt.NoError(t, err)
	gt.A(t, hits).Length(1)
	gt.Equal(t, hits[0].ID, near.ID)

	none, err := repo.SearchSimilar(ctx, vec(0), repository.SimilarQuery{Threshold: 1.1, RoomID: room})
	gt.NoError(t, err)
	gt.A(t, none).Length(0)
}

func TestInMemoryCountAndDeleteRoom(t *testing.T) {
	repo := repository.NewInMemory()
	ctx := context.Background()
	room := model.NewRoomID()

	m1 := newMessage(room, "one", time.Now())
	m1.Unique = true
	m2 := newMessage(room, "two", time.Now())
	gt.NoError(t, repo.PutMemory(ctx, m1))
	gt.NoError(t, repo.PutMemory(ctx, m2))

	count, err := repo.CountMemories(ctx, room, false)
	gt.NoError(t, err)
	gt.Equal(t, count, 2)

	uniqueCount, err := repo.CountMemories(ctx, room, true)
	gt.NoError(t, err)
	gt.Equal(t, uniqueCount, 1)

	gt.NoError(t, repo.DeleteRoom(ctx, room))
	count, err = repo.CountMemories(ctx, room, false)
	gt.NoError(t, err)
	gt.Equal(t, count, 0)
}
