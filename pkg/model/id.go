package model

import "github.com/google/uuid"

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

type RoomID string

// NewRoomID generates a new unique RoomID
func NewRoomID() RoomID {
	return RoomID(uuid.New().String())
}

type UserID string

type AgentID string

type LockID string

// NewLockID generates a new unique LockID
func NewLockID() LockID {
	return LockID(uuid.New().String())
}
