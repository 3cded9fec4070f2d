package repository

import (
	"context"
	"time"

	"github.com/hiveword/substrate/pkg/model"
)

// RoomQuery narrows room-scoped reads. All set filters apply simultaneously.
type RoomQuery struct {
	Count  int // 0 means no limit
	Unique bool
	Start  time.Time
	End    time.Time
	Kinds  []model.ContentKind
	Cursor model.MemoryID
}

// SimilarQuery narrows embedding similarity search
type SimilarQuery struct {
	Threshold float64 // minimum cosine similarity, [0,1]
	Count     int
	RoomID    model.RoomID
	Unique    bool
}

// Page is one slice of a cursor-paginated room read. NextCursor is the ID of
// the last row in Items, usable as the Cursor of the next call.
type Page struct {
	Items      []*model.Memory
	HasMore    bool
	NextCursor model.MemoryID
}

// Repository is the persistence engine underneath the memory store. Rows are
// returned newest first. Transaction control is reentrant: only the outermost
// Begin opens a real transaction, inner levels map to savepoints, and a
// rollback at an inner level undoes only that scope.
type Repository interface {
	// PutMemory inserts or replaces the live row for a memory
	PutMemory(ctx context.Context, memory *model.Memory) error

	// GetMemory retrieves a memory by ID, or ErrNotFound
	GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error)

	// GetByRoom retrieves memories of a room, newest first, AND-filtered
	GetByRoom(ctx context.Context, roomID model.RoomID, query RoomQuery) ([]*model.Memory, error)

	// GetPaginated fetches limit+1 rows to detect further pages without a count query
	GetPaginated(ctx context.Context, roomID model.RoomID, limit int, cursor model.MemoryID, start, end time.Time) (*Page, error)

	// SearchSimilar returns memories ranked by vector similarity. An empty
	// result is normal when nothing clears the threshold.
	SearchSimilar(ctx context.Context, embedding []float32, query SimilarQuery) ([]*model.Memory, error)

	// DeleteMemory removes a memory and, by cascade, its version history
	DeleteMemory(ctx context.Context, id model.MemoryID) error

	// DeleteRoom removes every memory of a room
	DeleteRoom(ctx context.Context, roomID model.RoomID) error

	// CountMemories counts memories in a room
	CountMemories(ctx context.Context, roomID model.RoomID, unique bool) (int, error)

	// PutVersion appends a row to the version history. Versions are never
	// mutated after insertion.
	PutVersion(ctx context.Context, record *model.VersionedRecord) error

	// ListVersions returns the version history of a memory, newest version first
	ListVersions(ctx context.Context, id model.MemoryID) ([]*model.VersionedRecord, error)

	// Begin opens a transaction, or a savepoint when one is already open
	Begin(ctx context.Context) error

	// Commit finalizes the current level; the outermost commit ends the transaction
	Commit(ctx context.Context) error

	// Rollback undoes the current level; inner levels roll back to their
	// savepoint and leave the transaction open
	Rollback(ctx context.Context) error

	// InTransaction reports whether a transaction is currently open
	InTransaction() bool

	// GetWithLock reads a row under an exclusive lock held until the
	// enclosing transaction ends. ErrTransactionState outside a transaction.
	GetWithLock(ctx context.Context, id model.MemoryID) (*model.Memory, error)

	// GetManyWithLock is GetWithLock over a filtered room read
	GetManyWithLock(ctx context.Context, roomID model.RoomID, query RoomQuery) ([]*model.Memory, error)

	// GetLease returns the active lease memory for a key, or ErrNotFound
	GetLease(ctx context.Context, key string) (*model.Memory, error)

	// ReapExpiredLeases deletes lease rows for a key whose expiry has passed
	ReapExpiredLeases(ctx context.Context, key string, now time.Time) (int, error)

	// Close releases backend resources
	Close() error
}
