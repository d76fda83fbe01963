// Package singleflight collapses concurrent calls for the same key into one
// execution and memoizes successful results for a short TTL.
package singleflight

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

// Group de-duplicates calls per key. The zero TTL disables memoization and
// keeps only in-flight collapsing.
type Group[T any] struct {
	ttl   time.Duration
	clock clockwork.Clock
	sf    singleflight.Group
	memo  *xsync.Map[string, memoEntry[T]]
}

type memoEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// New creates a group with the given memo TTL.
func New[T any](ttl time.Duration, clock clockwork.Clock) *Group[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Group[T]{
		ttl:   ttl,
		clock: clock,
		memo:  xsync.NewMap[string, memoEntry[T]](),
	}
}

// Do returns the memoized value for key if fresh, joins an in-flight call
// if one exists, or runs fn. fn runs detached from the caller's
// cancellation so one impatient caller cannot fail the others; a caller
// whose ctx ends stops waiting and gets ctx.Err(). shared reports whether
// the result came from the memo or another caller's flight.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	if e, ok := g.memo.Load(key); ok && g.clock.Now().Before(e.expiresAt) {
		return e.value, true, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (any, error) {
		if e, ok := g.memo.Load(key); ok && g.clock.Now().Before(e.expiresAt) {
			return e.value, nil
		}
		out, err := fn(flightCtx)
		if err != nil {
			return out, err
		}
		if g.ttl > 0 {
			g.memo.Store(key, memoEntry[T]{value: out, expiresAt: g.clock.Now().Add(g.ttl)})
		}
		return out, nil
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	}
}

// Forget drops the memoized value for key. An in-flight call is unaffected.
func (g *Group[T]) Forget(key string) {
	g.memo.Delete(key)
}

// Prune drops expired memo entries and returns how many were removed.
func (g *Group[T]) Prune() int {
	now := g.clock.Now()
	removed := 0
	g.memo.Range(func(key string, e memoEntry[T]) bool {
		if !now.Before(e.expiresAt) {
			g.memo.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
