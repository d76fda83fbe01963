package storage

// Stores bundles every store the service needs.
type Stores struct {
	Preps        PrepStore
	Snapshots    SnapshotStore
	Entitlements EntitlementStore
	Claims       ClaimStore
	Previews     PreviewStore
	Counters     CounterStore
	Archive      ArchiveStore
}

// CounterDistributedTotal is the running total of reward paid out (raw units).
const CounterDistributedTotal = "distributed_total"
