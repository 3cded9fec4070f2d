package model

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type LockState string

const (
	LockStateActive   LockState = "active"
	LockStateReleased LockState = "released"
)

// LockLease is the content body of a distributed_lock Memory. At most one
// lease with State == active may exist per Key at any instant; the store's
// partial unique index enforces this across processes.
type LockLease struct {
	Key           string    `json:"key"`
	Holder        string    `json:"holder"`
	LockID        LockID    `json:"lockId"`
	ExpiresAt     int64     `json:"expiresAt"` // epoch milliseconds
	AcquiredAt    int64     `json:"acquiredAt"`
	State         LockState `json:"lockState"`
	Version       int       `json:"version"`
	RenewalCount  int       `json:"renewalCount"`
	LastRenewalAt int64     `json:"lastRenewalAt,omitempty"`
}

// Expired reports whether the lease TTL has passed at the given instant
func (l *LockLease) Expired(now time.Time) bool {
	return now.UnixMilli() >= l.ExpiresAt
}

// Validate checks if the lease is structurally valid
func (l LockLease) Validate() error {
	if l.Key == "" {
		return goerr.Wrap(ErrValidation, "lease key is empty")
	}
	if l.Holder == "" {
		return goerr.Wrap(ErrValidation, "lease holder is empty")
	}
	if l.LockID == "" {
		return goerr.Wrap(ErrValidation, "lease lock id is empty")
	}
	switch l.State {
	case LockStateActive, LockStateReleased:
	default:
		return goerr.Wrap(ErrValidation, "invalid lock state", goerr.V("state", l.State))
	}
	if l.ExpiresAt <= 0 {
		return goerr.Wrap(ErrValidation, "lease expiry is not set", goerr.V("key", l.Key))
	}
	return nil
}
