package ratelimit

import (
	"sync/atomic"
	"time"
)

// atomicTime stores a time.Time as Unix nanoseconds.
type atomicTime struct {
	v atomic.Int64
}

func (t *atomicTime) Store(ts time.Time) { t.v.Store(ts.UnixNano()) }

func (t *atomicTime) Load() time.Time { return time.Unix(0, t.v.Load()) }
