// Package lock provides non-blocking per-key locks. A wallet that already
// has a claim in flight is rejected instead of queued.
package lock

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
)

// Locker hands out exclusive per-key locks without waiting.
type Locker interface {
	// TryLock acquires key. ok is false when another holder has it.
	// release must be called exactly once after a successful acquire.
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Memory is a process-local Locker.
type Memory struct {
	held *xsync.Map[string, struct{}]
}

// NewMemory creates an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: xsync.NewMap[string, struct{}]()}
}

// TryLock implements Locker.
func (m *Memory) TryLock(_ context.Context, key string) (func(), bool, error) {
	if _, loaded := m.held.LoadOrStore(key, struct{}{}); loaded {
		return nil, false, nil
	}
	return func() { m.held.Delete(key) }, true, nil
}

// Held returns the number of keys currently locked.
func (m *Memory) Held() int {
	return m.held.Size()
}
