package repository

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/hiveword/substrate/pkg/model"
)

// InMemory implements Repository with process-local maps. It honors the full
// contract, including savepoint semantics via a snapshot stack, and is the
// backend for tests and single-process runs. It cannot block concurrent
// transactions the way Postgres row locks do; GetWithLock only enforces the
// open-transaction precondition.
type InMemory struct {
	mu        sync.Mutex
	state     *inMemoryState
	snapshots []*inMemoryState
}

type inMemoryState struct {
	memories map[model.MemoryID]*model.Memory
	versions map[model.MemoryID][]*model.VersionedRecord
}

func newInMemoryState() *inMemoryState {
	return &inMemoryState{
		memories: make(map[model.MemoryID]*model.Memory),
		versions: make(map[model.MemoryID][]*model.VersionedRecord),
	}
}

func (s *inMemoryState) clone() *inMemoryState {
	dup := newInMemoryState()
	for id, m := range s.memories {
		dup.memories[id] = m.Clone()
	}
	for id, records := range s.versions {
		dup.versions[id] = append([]*model.VersionedRecord(nil), records...)
	}
	return dup
}

// NewInMemory creates an empty in-memory repository
func NewInMemory() *InMemory {
	return &InMemory{state: newInMemoryState()}
}

func (r *InMemory) PutMemory(ctx context.Context, memory *model.Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lease := memory.Content.Lease(); lease != nil && lease.State == model.LockStateActive {
		for id, existing := range r.state.memories {
			if id == memory.ID {
				continue
			}
			other := existing.Content.Lease()
			if other != nil && other.Key == lease.Key && other.State == model.LockStateActive {
				return goerr.Wrap(model.ErrLockConflict, "active lease already held",
					goerr.V("key", lease.Key), goerr.V("holder", other.Holder))
			}
		}
	}

	r.state.memories[memory.ID] = memory.Clone()
	return nil
}

func (r *InMemory) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	memory, ok := r.state.memories[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "no such memory", goerr.V("memory_id", id))
	}
	return memory.Clone(), nil
}

// roomRows returns the room's rows newest first with all filters applied
func (r *InMemory) roomRows(roomID model.RoomID, query RoomQuery) ([]*model.Memory, error) {
	var rows []*model.Memory
	for _, m := range r.state.memories {
		if m.RoomID != roomID {
			continue
		}
		if query.Unique && !m.Unique {
			continue
		}
		if !query.Start.IsZero() && m.CreatedAt.Before(query.Start) {
			continue
		}
		if !query.End.IsZero() && m.CreatedAt.After(query.End) {
			continue
		}
		if len(query.Kinds) > 0 {
			matched := false
			for _, kind := range query.Kinds {
				if m.Content.Kind == kind {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		rows = append(rows, m)
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})

	if query.Cursor != "" {
		after, ok := r.state.memories[query.Cursor]
		if !ok {
			return nil, goerr.Wrap(model.ErrNotFound, "cursor row not found", goerr.V("cursor", query.Cursor))
		}
		kept := rows[:0]
		for _, m := range rows {
			if m.CreatedAt.Before(after.CreatedAt) ||
				(m.CreatedAt.Equal(after.CreatedAt) && m.ID < after.ID) {
				kept = append(kept, m)
			}
		}
		rows = kept
	}

	if query.Count > 0 && len(rows) > query.Count {
		rows = rows[:query.Count]
	}

	out := make([]*model.Memory, len(rows))
	for i, m := range rows {
		out[i] = m.Clone()
	}
	return out, nil
}

func (r *InMemory) GetByRoom(ctx context.Context, roomID model.RoomID, query RoomQuery) ([]*model.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomRows(roomID, query)
}

func (r *InMemory) GetPaginated(ctx context.Context, roomID model.RoomID, limit int, cursor model.MemoryID, start, end time.Time) (*Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.roomRows(roomID, RoomQuery{
		Count:  limit + 1,
		Cursor: cursor,
		Start:  start,
		End:    end,
	})
	if err != nil {
		return nil, err
	}

	page := &Page{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.HasMore = true
	}
	if len(page.Items) > 0 {
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}
	return page, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func (r *InMemory) SearchSimilar(ctx context.Context, embedding []float32, query SimilarQuery) ([]*model.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type scored struct {
		memory     *model.Memory
		similarity float64
	}
	var hits []scored
	for _, m := range r.state.memories {
		if m.Embedding == nil {
			continue
		}
		if query.RoomID != "" && m.RoomID != query.RoomID {
			continue
		}
		if query.Unique && !m.Unique {
			continue
		}
		similarity := cosineSimilarity(embedding, m.Embedding)
		if similarity < query.Threshold {
			continue
		}
		hits = append(hits, scored{memory: m, similarity: similarity})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].similarity > hits[j].similarity })
	if query.Count > 0 && len(hits) > query.Count {
		hits = hits[:query.Count]
	}

	out := make([]*model.Memory, len(hits))
	for i, hit := range hits {
		out[i] = hit.memory.Clone()
	}
	return out, nil
}

func (r *InMemory) DeleteMemory(ctx context.Context, id model.MemoryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.state.memories, id)
	delete(r.state.versions, id)
	return nil
}

func (r *InMemory) DeleteRoom(ctx context.Context, roomID model.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, m := range r.state.memories {
		if m.RoomID == roomID {
			delete(r.state.memories, id)
			delete(r.state.versions, id)
		}
	}
	return nil
}

func (r *InMemory) CountMemories(ctx context.Context, roomID model.RoomID, unique bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, m := range r.state.memories {
		if m.RoomID != roomID {
			continue
		}
		if unique && !m.Unique {
			continue
		}
		count++
	}
	return count, nil
}

func (r *InMemory) PutVersion(ctx context.Context, record *model.VersionedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dup := *record
	r.state.versions[record.MemoryID] = append(r.state.versions[record.MemoryID], &dup)
	return nil
}

func (r *InMemory) ListVersions(ctx context.Context, id model.MemoryID) ([]*model.VersionedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := append([]*model.VersionedRecord(nil), r.state.versions[id]...)
	sort.Slice(records, func(i, j int) bool { return records[i].Version > records[j].Version })
	return records, nil
}

func (r *InMemory) Begin(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots = append(r.snapshots, r.state.clone())
	return nil
}

func (r *InMemory) Commit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.snapshots) == 0 {
		return goerr.Wrap(model.ErrTransactionState, "commit without open transaction")
	}
	r.snapshots = r.snapshots[:len(r.snapshots)-1]
	return nil
}

func (r *InMemory) Rollback(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.snapshots) == 0 {
		return goerr.Wrap(model.ErrTransactionState, "rollback without open transaction")
	}
	r.state = r.snapshots[len(r.snapshots)-1]
	r.snapshots = r.snapshots[:len(r.snapshots)-1]
	return nil
}

func (r *InMemory) InTransaction() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots) > 0
}

func (r *InMemory) GetWithLock(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	if !r.InTransaction() {
		return nil, goerr.Wrap(model.ErrTransactionState, "locked read requires an open transaction")
	}
	return r.GetMemory(ctx, id)
}

func (r *InMemory) GetManyWithLock(ctx context.Context, roomID model.RoomID, query RoomQuery) ([]*model.Memory, error) {
	if !r.InTransaction() {
		return nil, goerr.Wrap(model.ErrTransactionState, "locked read requires an open transaction")
	}
	return r.GetByRoom(ctx, roomID, query)
}

func (r *InMemory) GetLease(ctx context.Context, key string) (*model.Memory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.state.memories {
		lease := m.Content.Lease()
		if lease != nil && lease.Key == key && lease.State == model.LockStateActive {
			return m.Clone(), nil
		}
	}
	return nil, goerr.Wrap(model.ErrNotFound, "no active lease", goerr.V("key", key))
}

func (r *InMemory) ReapExpiredLeases(ctx context.Context, key string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for id, m := range r.state.memories {
		lease := m.Content.Lease()
		if lease != nil && lease.Key == key && lease.Expired(now) {
			delete(r.state.memories, id)
			delete(r.state.versions, id)
			reaped++
		}
	}
	return reaped, nil
}

func (r *InMemory) Close() error {
	return nil
}
