package domain

// Cycle is one distribution window. It is derived from wall-clock time and
// never persisted; only its artifacts (Prep, Snapshot) are stored by ID.
// All instants are Unix milliseconds.
type Cycle struct {
	ID               int64 // window end instant, doubles as the cycle id
	Start            int64
	End              int64
	PrepDeadline     int64
	SnapshotDeadline int64
	GraceDeadline    int64
}

// Phase names where an instant falls relative to the cycle deadlines.
type Phase string

const (
	PhaseCollecting Phase = "collecting" // before prep deadline
	PhasePrep       Phase = "prep"       // prep deadline .. snapshot deadline
	PhaseSnapshot   Phase = "snapshot"   // snapshot deadline .. grace deadline
	PhaseClosed     Phase = "closed"     // after grace deadline
)

// PhaseAt reports the cycle phase for instant nowMs.
func (c Cycle) PhaseAt(nowMs int64) Phase {
	switch {
	case nowMs < c.PrepDeadline:
		return PhaseCollecting
	case nowMs < c.SnapshotDeadline:
		return PhasePrep
	case nowMs <= c.GraceDeadline:
		return PhaseSnapshot
	default:
		return PhaseClosed
	}
}

// InGrace reports whether nowMs is inside [SnapshotDeadline, GraceDeadline].
func (c Cycle) InGrace(nowMs int64) bool {
	return nowMs >= c.SnapshotDeadline && nowMs <= c.GraceDeadline
}
