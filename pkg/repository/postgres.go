package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/hiveword/substrate/pkg/model"
)

// Postgres implements Repository on a shared PostgreSQL backend with
// pgvector. All agent processes point at the same database; cross-process
// ordering comes from the backend's MVCC and the active-lock unique index.
type Postgres struct {
	pool *pgxpool.Pool

	mu  sync.Mutex
	txs []pgx.Tx
}

// NewPostgres connects to the backend and applies the schema
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse database URL")
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create connection pool")
	}

	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		pool.Close()
		return nil, goerr.Wrap(model.ErrStorage, "failed to enable pgvector", goerr.V("cause", err))
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, goerr.Wrap(model.ErrStorage, "failed to apply schema", goerr.V("cause", err))
	}

	return &Postgres{pool: pool}, nil
}

// querier is satisfied by both the pool and an open transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// q routes statements through the innermost open transaction, if any
func (r *Postgres) q() querier {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.txs) > 0 {
		return r.txs[len(r.txs)-1]
	}
	return r.pool
}

func storageErr(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeLockIndex {
		return goerr.Wrap(model.ErrLockConflict, "active lease already held", goerr.V("detail", pgErr.Detail))
	}
	return goerr.Wrap(model.ErrStorage, msg, goerr.V("cause", err))
}

const memoryColumns = "id, content, room_id, user_id, agent_id, is_unique, created_at, updated_at, embedding"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*model.Memory, error) {
	var (
		memory    model.Memory
		content   []byte
		userID    *string
		agentID   *string
		embedding *pgvector.Vector
	)
	if err := row.Scan(&memory.ID, &content, &memory.RoomID, &userID, &agentID,
		&memory.Unique, &memory.CreatedAt, &memory.UpdatedAt, &embedding); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &memory.Content); err != nil {
		return nil, goerr.Wrap(err, "failed to parse stored content")
	}
	if userID != nil {
		memory.UserID = model.UserID(*userID)
	}
	if agentID != nil {
		memory.AgentID = model.AgentID(*agentID)
	}
	if embedding != nil {
		memory.Embedding = embedding.Slice()
	}
	return &memory, nil
}

func (r *Postgres) PutMemory(ctx context.Context, memory *model.Memory) error {
	content, err := json.Marshal(memory.Content)
	if err != nil {
		return goerr.Wrap(err, "failed to serialize content")
	}

	var embedding any
	if memory.Embedding != nil {
		embedding = pgvector.NewVector(memory.Embedding)
	}

	_, err = r.q().Exec(ctx, `
		INSERT INTO memories (id, content, room_id, user_id, agent_id, is_unique, created_at, updated_at, embedding)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			is_unique = EXCLUDED.is_unique,
			updated_at = EXCLUDED.updated_at,
			embedding = EXCLUDED.embedding`,
		memory.ID, content, memory.RoomID, string(memory.UserID), string(memory.AgentID),
		memory.Unique, memory.CreatedAt, memory.UpdatedAt, embedding)
	if err != nil {
		return storageErr(err, "failed to put memory")
	}
	return nil
}

func (r *Postgres) GetMemory(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	row := r.q().QueryRow(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE id = $1", id)

	memory, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, goerr.Wrap(model.ErrNotFound, "no such memory", goerr.V("memory_id", id))
		}
		return nil, storageErr(err, "failed to get memory")
	}
	return memory, nil
}

// roomSelect builds the filtered, newest-first room query
func (r *Postgres) roomSelect(ctx context.Context, roomID model.RoomID, query RoomQuery, forUpdate bool) (string, []any, error) {
	sql := "SELECT " + memoryColumns + " FROM memories WHERE room_id = $1"
	args := []any{roomID}

	if query.Unique {
		sql += " AND is_unique"
	}
	if len(query.Kinds) > 0 {
		kinds := make([]string, len(query.Kinds))
		for i, kind := range query.Kinds {
			kinds[i] = string(kind)
		}
		args = append(args, kinds)
		sql += fmt.Sprintf(" AND content->>'type' = ANY($%d)", len(args))
	}
	if !query.Start.IsZero() {
		args = append(args, query.Start)
		sql += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !query.End.IsZero() {
		args = append(args, query.End)
		sql += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	if query.Cursor != "" {
		after, err := r.GetMemory(ctx, query.Cursor)
		if err != nil {
			return "", nil, goerr.Wrap(err, "failed to resolve cursor", goerr.V("cursor", query.Cursor))
		}
		args = append(args, after.CreatedAt, after.ID)
		sql += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	sql += " ORDER BY created_at DESC, id DESC"
	if query.Count > 0 {
		args = append(args, query.Count)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if forUpdate {
		sql += " FOR UPDATE"
	}
	return sql, args, nil
}

func (r *Postgres) queryMemories(ctx context.Context, sql string, args []any) ([]*model.Memory, error) {
	rows, err := r.q().Query(ctx, sql, args...)
	if err != nil {
		return nil, storageErr(err, "failed to query memories")
	}
	defer rows.Close()

	var out []*model.Memory
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, storageErr(err, "failed to scan memory row")
		}
		out = append(out, memory)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "failed to read memory rows")
	}
	return out, nil
}

func (r *Postgres) GetByRoom(ctx context.Context, roomID model.RoomID, query RoomQuery) ([]*model.Memory, error) {
	sql, args, err := r.roomSelect(ctx, roomID, query, false)
	if err != nil {
		return nil, err
	}
	return r.queryMemories(ctx, sql, args)
}

func (r *Postgres) GetPaginated(ctx context.Context, roomID model.RoomID, limit int, cursor model.MemoryID, start, end time.Time) (*Page, error) {
	rows, err := r.GetByRoom(ctx, roomID, RoomQuery{
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

func (r *Postgres) SearchSimilar(ctx context.Context, embedding []float32, query SimilarQuery) ([]*model.Memory, error) {
	sql := "SELECT " + memoryColumns + " FROM memories WHERE embedding IS NOT NULL"
	args := []any{pgvector.NewVector(embedding)}

	if query.RoomID != "" {
		args = append(args, query.RoomID)
		sql += fmt.Sprintf(" AND room_id = $%d", len(args))
	}
	if query.Unique {
		sql += " AND is_unique"
	}
	args = append(args, query.Threshold)
	sql += fmt.Sprintf(" AND 1 - (embedding <=> $1) >= $%d", len(args))
	sql += " ORDER BY embedding <=> $1"
	if query.Count > 0 {
		args = append(args, query.Count)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return r.queryMemories(ctx, sql, args)
}

func (r *Postgres) DeleteMemory(ctx context.Context, id model.MemoryID) error {
	if _, err := r.q().Exec(ctx, "DELETE FROM memories WHERE id = $1", id); err != nil {
		return storageErr(err, "failed to delete memory")
	}
	return nil
}

func (r *Postgres) DeleteRoom(ctx context.Context, roomID model.RoomID) error {
	if _, err := r.q().Exec(ctx, "DELETE FROM memories WHERE room_id = $1", roomID); err != nil {
		return storageErr(err, "failed to delete room")
	}
	return nil
}

func (r *Postgres) CountMemories(ctx context.Context, roomID model.RoomID, unique bool) (int, error) {
	sql := "SELECT COUNT(*) FROM memories WHERE room_id = $1"
	if unique {
		sql += " AND is_unique"
	}

	var count int
	if err := r.q().QueryRow(ctx, sql, roomID).Scan(&count); err != nil {
		return 0, storageErr(err, "failed to count memories")
	}
	return count, nil
}

func (r *Postgres) PutVersion(ctx context.Context, record *model.VersionedRecord) error {
	content, err := json.Marshal(record.Content)
	if err != nil {
		return goerr.Wrap(err, "failed to serialize version content")
	}

	_, err = r.q().Exec(ctx, `
		INSERT INTO memories_versions (id, version, content, created_at, updated_at, version_reason)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
		record.MemoryID, record.Version, content, record.CreatedAt, record.UpdatedAt, record.VersionReason)
	if err != nil {
		return storageErr(err, "failed to put version")
	}
	return nil
}

func (r *Postgres) ListVersions(ctx context.Context, id model.MemoryID) ([]*model.VersionedRecord, error) {
	rows, err := r.q().Query(ctx, `
		SELECT id, version, content, created_at, updated_at, COALESCE(version_reason, '')
		FROM memories_versions WHERE id = $1 ORDER BY version DESC`, id)
	if err != nil {
		return nil, storageErr(err, "failed to list versions")
	}
	defer rows.Close()

	var out []*model.VersionedRecord
	for rows.Next() {
		var (
			record  model.VersionedRecord
			content []byte
		)
		if err := rows.Scan(&record.MemoryID, &record.Version, &content,
			&record.CreatedAt, &record.UpdatedAt, &record.VersionReason); err != nil {
			return nil, storageErr(err, "failed to scan version row")
		}
		if err := json.Unmarshal(content, &record.Content); err != nil {
			return nil, goerr.Wrap(err, "failed to parse version content")
		}
		out = append(out, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "failed to read version rows")
	}
	return out, nil
}

// Begin opens a transaction at depth 0 and a savepoint at every deeper level.
// pgx issues SAVEPOINT/RELEASE/ROLLBACK TO for nested Begin/Commit/Rollback.
func (r *Postgres) Begin(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		tx  pgx.Tx
		err error
	)
	if len(r.txs) == 0 {
		tx, err = r.pool.Begin(ctx)
	} else {
		tx, err = r.txs[len(r.txs)-1].Begin(ctx)
	}
	if err != nil {
		return storageErr(err, "failed to begin transaction")
	}
	r.txs = append(r.txs, tx)
	return nil
}

func (r *Postgres) Commit(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.txs) == 0 {
		return goerr.Wrap(model.ErrTransactionState, "commit without open transaction")
	}
	tx := r.txs[len(r.txs)-1]
	r.txs = r.txs[:len(r.txs)-1]
	if err := tx.Commit(ctx); err != nil {
		return storageErr(err, "failed to commit transaction")
	}
	return nil
}

func (r *Postgres) Rollback(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.txs) == 0 {
		return goerr.Wrap(model.ErrTransactionState, "rollback without open transaction")
	}
	tx := r.txs[len(r.txs)-1]
	r.txs = r.txs[:len(r.txs)-1]
	if err := tx.Rollback(ctx); err != nil {
		return storageErr(err, "failed to rollback transaction")
	}
	return nil
}

func (r *Postgres) InTransaction() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txs) > 0
}

func (r *Postgres) GetWithLock(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	if !r.InTransaction() {
		return nil, goerr.Wrap(model.ErrTransactionState, "locked read requires an open transaction")
	}

	row := r.q().QueryRow(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE id = $1 FOR UPDATE", id)
	memory, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, goerr.Wrap(model.ErrNotFound, "no such memory", goerr.V("memory_id", id))
		}
		return nil, storageErr(err, "failed to get memory with lock")
	}
	return memory, nil
}

func (r *Postgres) GetManyWithLock(ctx context.Context, roomID model.RoomID, query RoomQuery) ([]*model.Memory, error) {
	if !r.InTransaction() {
		return nil, goerr.Wrap(model.ErrTransactionState, "locked read requires an open transaction")
	}

	sql, args, err := r.roomSelect(ctx, roomID, query, true)
	if err != nil {
		return nil, err
	}
	return r.queryMemories(ctx, sql, args)
}

func (r *Postgres) GetLease(ctx context.Context, key string) (*model.Memory, error) {
	row := r.q().QueryRow(ctx, "SELECT "+memoryColumns+` FROM memories
		WHERE content->>'type' = 'distributed_lock'
		  AND content->>'key' = $1
		  AND content->>'lockState' = 'active'`, key)

	memory, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, goerr.Wrap(model.ErrNotFound, "no active lease", goerr.V("key", key))
		}
		return nil, storageErr(err, "failed to get lease")
	}
	return memory, nil
}

func (r *Postgres) ReapExpiredLeases(ctx context.Context, key string, now time.Time) (int, error) {
	tag, err := r.q().Exec(ctx, `
		DELETE FROM memories
		WHERE content->>'type' = 'distributed_lock'
		  AND content->>'key' = $1
		  AND (content->>'expiresAt')::bigint <= $2`,
		key, now.UnixMilli())
	if err != nil {
		return 0, storageErr(err, "failed to reap expired leases")
	}
	return int(tag.RowsAffected()), nil
}

func (r *Postgres) Close() error {
	r.pool.Close()
	return nil
}
