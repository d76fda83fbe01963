package domain

// SnapshotStatus is the outcome of a snapshot attempt.
type SnapshotStatus string

const (
	SnapshotPending SnapshotStatus = "pending"
	SnapshotTaken   SnapshotStatus = "taken"
	SnapshotMissed  SnapshotStatus = "missed"
	SnapshotError   SnapshotStatus = "error"
)

// Holder is one eligible wallet and its holding-token balance (raw units).
type Holder struct {
	Wallet  string `json:"wallet"`
	Balance uint64 `json:"balance"`
}

// Snapshot records which wallets were eligible for a cycle and how much
// reward was allocated. Corresponds to the snapshots table. Write-once.
type Snapshot struct {
	CycleID              int64 // PRIMARY KEY
	SnapshotID           int64 // equals CycleID
	Timestamp            int64 // capture instant (ms)
	AcquiredReward       Amount
	AllocatedReward      Amount
	EligibleHolderCount  int
	TotalEligibleBalance uint64
	HoldersHash          string
	Holders              []Holder

	// EntitlementsWritten flips once the entitlement rows are durable.
	EntitlementsWritten bool
	CreatedAt           int64
}
