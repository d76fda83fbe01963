package domain

// PrepStatus is the lifecycle state of a Prep row.
type PrepStatus string

const (
	// PrepRunning marks a row whose lease is held by an in-flight prepare.
	PrepRunning          PrepStatus = "running"
	PrepOK               PrepStatus = "ok"
	PrepSwapFailedOrDust PrepStatus = "swap_failed_or_dust"
	PrepError            PrepStatus = "error"
)

// Terminal reports whether the status can no longer change.
func (s PrepStatus) Terminal() bool {
	return s == PrepOK || s == PrepSwapFailedOrDust || s == PrepError
}

// PrepStep is the outcome reported to callers of a prepare run.
type PrepStep string

const (
	StepAlreadyPrepared    PrepStep = "already-prepared"
	StepComplete           PrepStep = "complete"
	StepClaimedZero        PrepStep = "claimed-zero"
	StepTreasurySwapFailed PrepStep = "treasury-swap-failed"
	StepInProgress         PrepStep = "in-progress"
)

// Prep records a cycle's revenue collection and conversion into the reward
// token. Corresponds to the preps table.
type Prep struct {
	CycleID        int64 // PRIMARY KEY
	Status         PrepStatus
	AcquiredReward Amount // reward-token raw units produced by the swap

	CollectedLamports uint64 // observed operating-account delta
	TreasuryLamports  uint64 // share moved to treasury
	SwapInLamports    uint64 // amount offered to the swap
	SlippageBps       uint16 // ladder step that succeeded (0 if none)

	CollectSignature  string
	TransferSignature string
	SwapSignature     string

	Note       string // reason for zero / failed outcomes
	LeaseOwner string
	StartedAt  int64 // lease start (ms)
	FinishedAt int64 // terminal transition (ms), 0 while running
}

// StepFor maps a terminal row to the step reported for a fresh run.
func (p *Prep) StepFor() PrepStep {
	switch {
	case p.Status == PrepRunning:
		return StepInProgress
	case p.Status == PrepSwapFailedOrDust, p.Status == PrepError:
		return StepTreasurySwapFailed
	case p.AcquiredReward == 0:
		return StepClaimedZero
	default:
		return StepComplete
	}
}
