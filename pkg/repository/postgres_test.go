package repository_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/repository"
)

func setupPostgres(t *testing.T) *repository.Postgres {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL must be set to run Postgres tests")
	}

	repo, err := repository.NewPostgres(context.Background(), databaseURL)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func TestPostgresRoundTrip(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()

	memory := newMessage(model.NewRoomID(), "hello from postgres", time.Now().UTC())
	memory.Embedding = make([]float32, model.EmbeddingDim)
	memory.Embedding[0] = 1

	gt.NoError(t, repo.PutMemory(ctx, memory))

	got, err := repo.GetMemory(ctx, memory.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.ID, memory.ID)
	gt.Equal(t, got.Content.Text, "hello from postgres")
	gt.A(t, got.Embedding).Length(model.EmbeddingDim)
}

func TestPostgresPagination(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	room := model.NewRoomID()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		gt.NoError(t, repo.PutMemory(ctx, newMessage(room, "msg", base.Add(time.Duration(i)*time.Second))))
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
}

func TestPostgresActiveLockIndex(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	room := model.NewRoomID()
	now := time.Now().UTC()
	key := "pg-lock-" + string(model.NewMemoryID())

	lease := func(holder string) *model.Memory {
		return &model.Memory{
			ID:     model.NewMemoryID(),
			RoomID: room,
			Content: model.Content{
				Kind: model.KindDistributedLock,
				Body: model.LockLease{
					Key:        key,
					Holder:     holder,
					LockID:     model.NewLockID(),
					ExpiresAt:  now.Add(time.Minute).UnixMilli(),
					AcquiredAt: now.UnixMilli(),
					State:      model.LockStateActive,
					Version:    1,
				},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	gt.NoError(t, repo.PutMemory(ctx, lease("proc-1")))

	err := repo.PutMemory(ctx, lease("proc-2"))
	gt.True(t, errors.Is(err, model.ErrLockConflict))

	got, err := repo.GetLease(ctx, key)
	gt.NoError(t, err)
	gt.Equal(t, got.Content.Lease().Holder, "proc-1")

	reaped, err := repo.ReapExpiredLeases(ctx, key, now.Add(2*time.Minute))
	gt.NoError(t, err)
	gt.Equal(t, reaped, 1)
}

func TestPostgresSavepointRollback(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	room := model.NewRoomID()

	a := newMessage(room, "A", time.Now().UTC())
	b := newMessage(room, "B", time.Now().UTC())

	gt.NoError(t, repo.Begin(ctx))
	gt.NoError(t, repo.PutMemory(ctx, a))
	gt.NoError(t, repo.Begin(ctx))
	gt.NoError(t, repo.PutMemory(ctx, b))
	gt.NoError(t, repo.Rollback(ctx))
	gt.NoError(t, repo.Commit(ctx))

	_, err := repo.GetMemory(ctx, a.ID)
	gt.NoError(t, err)
	_, err = repo.GetMemory(ctx, b.ID)
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestPostgresVersionHistoryCascade(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	room := model.NewRoomID()
	now := time.Now().UTC()

	memory := &model.Memory{
		ID:        model.NewMemoryID(),
		RoomID:    room,
		Content:   model.Content{Kind: model.KindProposal, Status: model.StatusOpen, Version: 1},
		CreatedAt: now,
		UpdatedAt: now,
	}

	// version row lands first inside the transaction; the deferred FK
	// resolves once the live row arrives
	gt.NoError(t, repo.Begin(ctx))
	gt.NoError(t, repo.PutVersion(ctx, &model.VersionedRecord{
		MemoryID:  memory.ID,
		Version:   1,
		Content:   memory.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	gt.NoError(t, repo.PutMemory(ctx, memory))
	gt.NoError(t, repo.Commit(ctx))

	records, err := repo.ListVersions(ctx, memory.ID)
	gt.NoError(t, err)
	gt.A(t, records).Length(1)

	gt.NoError(t, repo.DeleteMemory(ctx, memory.ID))
	records, err = repo.ListVersions(ctx, memory.ID)
	gt.NoError(t, err)
	gt.A(t, records).Length(0)
}

func TestPostgresLockedReadRequiresTransaction(t *testing.T) {
	repo := setupPostgres(t)

	_, err := repo.GetWithLock(context.Background(), model.NewMemoryID())
	gt.True(t, errors.Is(err, model.ErrTransactionState))
}
