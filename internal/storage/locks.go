package storage

import "sync"

// OperationType tells a LockManager whether fn reads or writes.
type OperationType int

const (
	// ReadOperation may run alongside other reads.
	ReadOperation OperationType = iota
	// WriteOperation runs exclusively.
	WriteOperation
)

// LockManager serializes access to one opened database: shared locks for
// reads, an exclusive lock for writes.
type LockManager struct {
	mu sync.RWMutex
}

// NewLockManager returns a ready to use lock manager.
func NewLockManager() *LockManager {
	return &LockManager{}
}

// Execute runs fn while holding the lock matching opType.
func (lm *LockManager) Execute(opType OperationType, fn func() error) error {
	switch opType {
	case WriteOperation:
		lm.mu.Lock()
		defer lm.mu.Unlock()
	default:
		lm.mu.RLock()
		defer lm.mu.RUnlock()
	}
	return fn()
}
