// Package window maps wall-clock time onto distribution cycles.
package window

import (
	"errors"
	"time"

	"reward-distributor/internal/domain"
)

// Schedule holds the fixed offsets that shape every cycle.
type Schedule struct {
	Window       time.Duration // cycle length
	PrepLead     time.Duration // prep deadline = end - PrepLead
	SnapshotLead time.Duration // snapshot deadline = end - SnapshotLead
	Grace        time.Duration // grace deadline = snapshot deadline + Grace
}

// Validate checks that the offsets describe a usable cycle.
func (s Schedule) Validate() error {
	if s.Window <= 0 || s.Window%time.Millisecond != 0 {
		return errors.New("window must be a positive whole number of milliseconds")
	}
	if s.PrepLead <= 0 || s.PrepLead > s.Window {
		return errors.New("prep lead must be within (0, window]")
	}
	if s.SnapshotLead < 0 || s.SnapshotLead >= s.PrepLead {
		return errors.New("snapshot lead must be within [0, prep lead)")
	}
	if s.Grace <= 0 {
		return errors.New("grace must be positive")
	}
	return nil
}

// For returns the cycle containing now. The cycle id is the next window
// boundary at or after now, so callers at the same instant always agree.
func (s Schedule) For(now time.Time) domain.Cycle {
	return s.ForMillis(now.UnixMilli())
}

// ForMillis is For on a Unix-millisecond instant.
func (s Schedule) ForMillis(nowMs int64) domain.Cycle {
	w := s.Window.Milliseconds()
	end := ceilDiv(nowMs, w) * w
	return s.ForID(end)
}

// ForID rebuilds the cycle whose id (window end) is id.
func (s Schedule) ForID(id int64) domain.Cycle {
	w := s.Window.Milliseconds()
	snapshot := id - s.SnapshotLead.Milliseconds()
	return domain.Cycle{
		ID:               id,
		Start:            id - w,
		End:              id,
		PrepDeadline:     id - s.PrepLead.Milliseconds(),
		SnapshotDeadline: snapshot,
		GraceDeadline:    snapshot + s.Grace.Milliseconds(),
	}
}

// Next returns the cycle following c.
func (s Schedule) Next(c domain.Cycle) domain.Cycle {
	return s.ForID(c.ID + s.Window.Milliseconds())
}

// Previous returns the cycle preceding c.
func (s Schedule) Previous(c domain.Cycle) domain.Cycle {
	return s.ForID(c.ID - s.Window.Milliseconds())
}

// IsBoundary reports whether id falls on a window boundary.
func (s Schedule) IsBoundary(id int64) bool {
	return id%s.Window.Milliseconds() == 0
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a > 0) == (b > 0) {
		q++
	}
	return q
}
