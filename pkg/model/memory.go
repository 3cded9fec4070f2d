package model

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// EmbeddingDim is the fixed length of memory embedding vectors
const EmbeddingDim = 1536

// Memory is the atomic unit of shared state. The store owns the canonical
// copy; callers only ever hold copies.
type Memory struct {
	ID        MemoryID
	RoomID    RoomID
	UserID    UserID
	AgentID   AgentID
	Content   Content
	Embedding []float32 // nil when absent; never fabricated by the store
	Unique    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the memory is persistable. Malformed embeddings are
// rejected here rather than coerced.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return goerr.Wrap(ErrValidation, "memory id is empty")
	}
	if m.RoomID == "" {
		return goerr.Wrap(ErrValidation, "room id is empty", goerr.V("memory_id", m.ID))
	}
	if err := m.Content.Validate(); err != nil {
		return goerr.Wrap(err, "invalid content", goerr.V("memory_id", m.ID))
	}
	if m.Embedding != nil && len(m.Embedding) != EmbeddingDim {
		return goerr.Wrap(ErrValidation, "malformed embedding",
			goerr.V("memory_id", m.ID),
			goerr.V("length", len(m.Embedding)),
			goerr.V("expected", EmbeddingDim))
	}
	return nil
}

// Clone returns a deep copy so callers cannot alias store-owned state
func (m *Memory) Clone() *Memory {
	dup := *m
	if m.Embedding != nil {
		dup.Embedding = make([]float32, len(m.Embedding))
		copy(dup.Embedding, m.Embedding)
	}
	if opaque, ok := m.Content.Body.(OpaqueBody); ok {
		fields := make(map[string]any, len(opaque.Fields))
		for k, v := range opaque.Fields {
			fields[k] = v
		}
		dup.Content.Body = OpaqueBody{Kind: opaque.Kind, Fields: fields}
	}
	return &dup
}

// VersionedRecord is an append-only snapshot of a Memory's content, keyed by
// (MemoryID, Version). Rows are never mutated after insertion.
type VersionedRecord struct {
	MemoryID      MemoryID
	Version       int
	Content       Content
	VersionReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
