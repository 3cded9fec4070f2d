package store

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/hiveword/substrate/pkg/adapter"
	"github.com/hiveword/substrate/pkg/model"
	"github.com/hiveword/substrate/pkg/repository"
	"github.com/hiveword/substrate/pkg/service/bus"
	"github.com/hiveword/substrate/pkg/utils/logging"
)

// MutationPublisher forwards local mutations to other processes
type MutationPublisher interface {
	PublishMutation(ctx context.Context, op model.Operation, memory *model.Memory) error
}

// Store is the transactional, versioned memory store shared by all agents of
// a process. Writes flow one direction: validate, persist (queued when no
// transaction is open), then fan out on the mutation bus and, when a
// publisher is attached, across processes.
type Store struct {
	repo      repository.Repository
	bus       *bus.Bus
	publisher MutationPublisher
	embedder  adapter.Embedder
	queue     *writeQueue
}

type Option func(*Store)

// WithEmbedder attaches the embedding provider used by AddEmbedding
func WithEmbedder(embedder adapter.Embedder) Option {
	return func(s *Store) { s.embedder = embedder }
}

// SetPublisher attaches the cross-process mutation publisher after
// construction. The publisher needs the store's bus to exist first, so
// wiring happens in two steps: build the store, then the publisher, then
// attach it here. Call before any writes.
func (s *Store) SetPublisher(publisher MutationPublisher) {
	s.publisher = publisher
}

// New creates a store over the given persistence engine
func New(repo repository.Repository, opts ...Option) *Store {
	s := &Store{
		repo:  repo,
		bus:   bus.New(),
		queue: newWriteQueue(64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bus exposes the store's mutation bus for subscribers
func (s *Store) Bus() *bus.Bus {
	return s.bus
}

// write runs fn on the serialization path: funneled through the FIFO queue
// when no transaction is open, directly otherwise (the backend's transaction
// isolation takes over). Two independently-begun transactions in the same
// process are not serialized against each other; only the backend's
// isolation level protects that case.
func (s *Store) write(ctx context.Context, fn func() error) error {
	if s.repo.InTransaction() {
		return fn()
	}
	return s.queue.do(ctx, fn)
}

// notify fans the mutation out locally and across processes. Subscriber
// failures are aggregated by the bus and logged once; they never undo the
// already-persisted write.
func (s *Store) notify(ctx context.Context, op model.Operation, memory *model.Memory) {
	if err := s.bus.NotifyMutation(ctx, op, memory); err != nil {
		logging.From(ctx).Warn("mutation subscribers failed", "operation", op, "error", err)
	}
	if s.publisher != nil {
		if err := s.publisher.PublishMutation(ctx, op, memory); err != nil {
			logging.From(ctx).Warn("cross-process publish failed", "operation", op, "error", err)
		}
	}
}

// persist writes the live row, preceded by a version row for versioned
// kinds. The version row lands first inside a (possibly nested) transaction
// so history is never ahead of a missing live row; a storage failure rolls
// the scope back before the error is re-raised.
func (s *Store) persist(ctx context.Context, memory *model.Memory) error {
	if !memory.Content.Kind.Versioned() {
		return s.repo.PutMemory(ctx, memory)
	}

	if err := s.repo.Begin(ctx); err != nil {
		return err
	}
	record := &model.VersionedRecord{
		MemoryID:      memory.ID,
		Version:       memory.Content.Version,
		Content:       memory.Content,
		VersionReason: memory.Content.VersionReason,
		CreatedAt:     memory.CreatedAt,
		UpdatedAt:     memory.UpdatedAt,
	}
	if err := s.repo.PutVersion(ctx, record); err != nil {
		_ = s.repo.Rollback(ctx)
		return err
	}
	if err := s.repo.PutMemory(ctx, memory); err != nil {
		_ = s.repo.Rollback(ctx)
		return err
	}
	return s.repo.Commit(ctx)
}

// isDuplicate reports whether a logically identical record already exists:
// same ID, or same (room, kind, source event id) under a different ID
func (s *Store) isDuplicate(ctx context.Context, memory *model.Memory) (bool, error) {
	if _, err := s.repo.GetMemory(ctx, memory.ID); err == nil {
		return true, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return false, err
	}

	if memory.Content.SourceID == "" {
		return false, nil
	}
	peers, err := s.repo.GetByRoom(ctx, memory.RoomID, repository.RoomQuery{
		Kinds: []model.ContentKind{memory.Content.Kind},
	})
	if err != nil {
		return false, err
	}
	for _, peer := range peers {
		if peer.Content.SourceID == memory.Content.SourceID {
			return true, nil
		}
	}
	return false, nil
}

// CreateMemory persists a new memory. Creation is idempotent by ID: a second
// create with the same ID is a no-op, not an overwrite. A write abandoned by
// context cancellation may still complete and mutate state.
func (s *Store) CreateMemory(ctx context.Context, memory *model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}

	stored := memory.Clone()
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	if stored.Content.CreatedAt == 0 {
		stored.Content.CreatedAt = stored.CreatedAt.UnixMilli()
	}
	if stored.Content.UpdatedAt == 0 {
		stored.Content.UpdatedAt = stored.Content.CreatedAt
	}
	if stored.Content.Kind.Versioned() && stored.Content.Version == 0 {
		stored.Content.Version = 1
	}

	created := false
	err := s.write(ctx, func() error {
		dup, err := s.isDuplicate(ctx, stored)
		if err != nil {
			return err
		}
		if dup {
			logging.From(ctx).Debug("duplicate create ignored", "memory_id", stored.ID)
			return nil
		}
		if err := s.persist(ctx, stored); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to create memory", goerr.V("memory_id", stored.ID))
	}

	if created {
		s.notify(ctx, model.OperationCreate, stored)
	}
	return nil
}

// UpdateMemory replaces the live row of an existing memory and, for
// versioned kinds, appends the next version to the history
func (s *Store) UpdateMemory(ctx context.Context, memory *model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}

	stored := memory.Clone()
	err := s.write(ctx, func() error {
		current, err := s.repo.GetMemory(ctx, stored.ID)
		if err != nil {
			return err
		}

		stored.CreatedAt = current.CreatedAt
		stored.UpdatedAt = time.Now()
		stored.Content.UpdatedAt = stored.UpdatedAt.UnixMilli()
		if stored.Content.Kind.Versioned() && stored.Content.Version <= current.Content.Version {
			stored.Content.Version = current.Content.Version + 1
		}

		return s.persist(ctx, stored)
	})
	if err != nil {
		return goerr.Wrap(err, "failed to update memory", goerr.V("memory_id", stored.ID))
	}

	s.notify(ctx, model.OperationUpdate, stored)
	return nil
}

// RemoveMemory deletes a memory; deleting an absent ID is a no-op
func (s *Store) RemoveMemory(ctx context.Context, id model.MemoryID) error {
	var removed *model.Memory
	err := s.write(ctx, func() error {
		current, err := s.repo.GetMemory(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := s.repo.DeleteMemory(ctx, id); err != nil {
			return err
		}
		removed = current
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to remove memory", goerr.V("memory_id", id))
	}

	if removed != nil {
		s.notify(ctx, model.OperationDelete, removed)
	}
	return nil
}

// RemoveAllMemories deletes every memory of a room
func (s *Store) RemoveAllMemories(ctx context.Context, roomID model.RoomID) error {
	var removed []*model.Memory
	err := s.write(ctx, func() error {
		rows, err := s.repo.GetByRoom(ctx, roomID, repository.RoomQuery{})
		if err != nil {
			return err
		}
		if err := s.repo.DeleteRoom(ctx, roomID); err != nil {
			return err
		}
		removed = rows
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to remove room", goerr.V("room_id", roomID))
	}

	for _, memory := range removed {
		s.notify(ctx, model.OperationDelete, memory)
	}
	return nil
}

// AddEmbedding computes and stores the embedding of a memory that lacks one.
// Idempotent: a memory that already has an embedding is returned unchanged.
func (s *Store) AddEmbedding(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	current, err := s.repo.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Embedding != nil {
		return current, nil
	}
	if current.Content.Text == "" {
		return nil, goerr.Wrap(model.ErrValidation, "memory has no text to embed", goerr.V("memory_id", id))
	}
	if s.embedder == nil {
		return nil, goerr.New("no embedder configured", goerr.V("memory_id", id))
	}

	embedding, err := s.embedder.Embed(ctx, current.Content.Text)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to compute embedding", goerr.V("memory_id", id))
	}
	if len(embedding) != model.EmbeddingDim {
		return nil, goerr.Wrap(model.ErrValidation, "embedder returned malformed vector",
			goerr.V("length", len(embedding)))
	}

	current.Embedding = embedding
	current.UpdatedAt = time.Now()
	err = s.write(ctx, func() error {
		return s.repo.PutMemory(ctx, current)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to store embedding", goerr.V("memory_id", id))
	}

	s.notify(ctx, model.OperationUpdate, current)
	return current, nil
}

// GetMemory retrieves a memory by ID
func (s *Store) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	return s.repo.GetMemory(ctx, id)
}

// GetMemories retrieves room memories, newest first, with all filters ANDed
func (s *Store) GetMemories(ctx context.Context, roomID model.RoomID, query repository.RoomQuery) ([]*model.Memory, error) {
	return s.repo.GetByRoom(ctx, roomID, query)
}

// GetMemoriesPaginated pages through a room using cursor pagination
func (s *Store) GetMemoriesPaginated(ctx context.Context, roomID model.RoomID, limit int, cursor model.MemoryID, start, end time.Time) (*repository.Page, error) {
	return s.repo.GetPaginated(ctx, roomID, limit, cursor, start, end)
}

// SearchBySimilarity ranks memories by vector similarity
func (s *Store) SearchBySimilarity(ctx context.Context, embedding []float32, query repository.SimilarQuery) ([]*model.Memory, error) {
	if len(embedding) != model.EmbeddingDim {
		return nil, goerr.Wrap(model.ErrValidation, "malformed query embedding", goerr.V("length", len(embedding)))
	}
	return s.repo.SearchSimilar(ctx, embedding, query)
}

// CountMemories counts room memories
func (s *Store) CountMemories(ctx context.Context, roomID model.RoomID, unique bool) (int, error) {
	return s.repo.CountMemories(ctx, roomID, unique)
}

// ListVersions returns the append-only history of a memory, newest first
func (s *Store) ListVersions(ctx context.Context, id model.MemoryID) ([]*model.VersionedRecord, error) {
	return s.repo.ListVersions(ctx, id)
}

// Begin opens a transaction (or savepoint when nested)
func (s *Store) Begin(ctx context.Context) error {
	return s.repo.Begin(ctx)
}

// Commit finalizes the current transaction level
func (s *Store) Commit(ctx context.Context) error {
	return s.repo.Commit(ctx)
}

// Rollback undoes the current transaction level
func (s *Store) Rollback(ctx context.Context) error {
	return s.repo.Rollback(ctx)
}

// InTransaction reports whether a transaction is open
func (s *Store) InTransaction() bool {
	return s.repo.InTransaction()
}

// GetWithLock reads a row under an exclusive lock; requires an open transaction
func (s *Store) GetWithLock(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	return s.repo.GetWithLock(ctx, id)
}

// GetManyWithLock reads filtered room rows under exclusive locks
func (s *Store) GetManyWithLock(ctx context.Context, roomID model.RoomID, query repository.RoomQuery) ([]*model.Memory, error) {
	return s.repo.GetManyWithLock(ctx, roomID, query)
}

// GetLease returns the active lease memory for a key
func (s *Store) GetLease(ctx context.Context, key string) (*model.Memory, error) {
	return s.repo.GetLease(ctx, key)
}

// ReapExpiredLeases drops expired lease rows for a key
func (s *Store) ReapExpiredLeases(ctx context.Context, key string, now time.Time) (int, error) {
	return s.repo.ReapExpiredLeases(ctx, key, now)
}

// Close drains the write queue and releases the backend
func (s *Store) Close() error {
	s.queue.close()
	return s.repo.Close()
}
