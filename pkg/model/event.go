package model

import (
	"encoding/json"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Generic mutation event names, published alongside the record's own kind
const (
	EventMemoryCreated = "memory_created"
	EventMemoryUpdated = "memory_updated"
	EventMemoryDeleted = "memory_deleted"
)

// EventForOperation maps an operation to its generic event name
func EventForOperation(op Operation) string {
	switch op {
	case OperationCreate:
		return EventMemoryCreated
	case OperationUpdate:
		return EventMemoryUpdated
	case OperationDelete:
		return EventMemoryDeleted
	}
	return ""
}

// MutationEvent is the ephemeral envelope delivered to bus subscribers.
// The Memory reference is only valid for the duration of the callback.
type MutationEvent struct {
	Type      string
	Operation Operation
	Content   Content
	RoomID    RoomID
	AgentID   AgentID
	Timestamp time.Time
	Memory    *Memory
}

// SyncTopic is the broker event name for cross-process propagation
const SyncTopic = "memory_sync"

// SyncEnvelope is the transport-agnostic wire form of a mutation, delivered
// at-least-once and unordered; consumers must handle it idempotently.
type SyncEnvelope struct {
	Type      string     `json:"type"`
	Operation Operation  `json:"operation"`
	Memory    wireMemory `json:"memory"`
	Timestamp int64      `json:"timestamp"` // epoch milliseconds
	ProcessID string     `json:"processId"`
}

// wireMemory is the JSON projection of a Memory used on the sync channel
type wireMemory struct {
	ID        MemoryID  `json:"id"`
	RoomID    RoomID    `json:"roomId"`
	UserID    UserID    `json:"userId,omitempty"`
	AgentID   AgentID   `json:"agentId,omitempty"`
	Content   Content   `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
	Unique    bool      `json:"unique,omitempty"`
	CreatedAt int64     `json:"createdAt,omitempty"`
	UpdatedAt int64     `json:"updatedAt,omitempty"`
}

// NewSyncEnvelope builds the wire envelope for a mutation
func NewSyncEnvelope(op Operation, memory *Memory, processID string, at time.Time) *SyncEnvelope {
	return &SyncEnvelope{
		Type:      SyncTopic,
		Operation: op,
		Memory: wireMemory{
			ID:        memory.ID,
			RoomID:    memory.RoomID,
			UserID:    memory.UserID,
			AgentID:   memory.AgentID,
			Content:   memory.Content,
			Embedding: memory.Embedding,
			Unique:    memory.Unique,
			CreatedAt: memory.CreatedAt.UnixMilli(),
			UpdatedAt: memory.UpdatedAt.UnixMilli(),
		},
		Timestamp: at.UnixMilli(),
		ProcessID: processID,
	}
}

// DecodeSyncEnvelope parses a broker payload back into an envelope
func DecodeSyncEnvelope(payload []byte) (*SyncEnvelope, error) {
	var env SyncEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, goerr.Wrap(err, "failed to parse sync envelope")
	}
	if env.Type != SyncTopic {
		return nil, goerr.Wrap(ErrValidation, "unexpected envelope type", goerr.V("type", env.Type))
	}
	return &env, nil
}

// Encode serializes the envelope for the broker
func (e *SyncEnvelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to encode sync envelope")
	}
	return raw, nil
}

// ToMemory reconstructs the Memory carried by the envelope
func (e *SyncEnvelope) ToMemory() *Memory {
	return &Memory{
		ID:        e.Memory.ID,
		RoomID:    e.Memory.RoomID,
		UserID:    e.Memory.UserID,
		AgentID:   e.Memory.AgentID,
		Content:   e.Memory.Content,
		Embedding: e.Memory.Embedding,
		Unique:    e.Memory.Unique,
		CreatedAt: time.UnixMilli(e.Memory.CreatedAt),
		UpdatedAt: time.UnixMilli(e.Memory.UpdatedAt),
	}
}
