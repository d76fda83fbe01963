package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"reward-distributor/internal/entitlement"
	"reward-distributor/internal/lock"
	"reward-distributor/internal/retry"
	"reward-distributor/internal/singleflight"
	"reward-distributor/internal/solana"
	"reward-distributor/internal/storage"
)

// Preview notes returned with a zero amount.
const (
	NoteNothingToClaim      = "nothing to claim"
	NoteTreasuryUnavailable = "treasury unavailable"
	NoteTreasuryEmpty       = "treasury has no reward liquidity"
)

// Options configures a Service.
type Options struct {
	Ledger   *entitlement.Ledger
	Claims   storage.ClaimStore
	Previews storage.PreviewStore
	// Archive receives settled claims. Optional.
	Archive storage.ArchiveStore
	Network *solana.Network
	Locks   lock.Locker

	Treasury   solanago.PrivateKey
	Operator   solanago.PublicKey
	RewardMint solanago.PublicKey
	Decimals   uint8
	// FeeLamports is the service fee the claimant pays to the operator.
	FeeLamports uint64

	// CacheTTL memoizes previews per wallet.
	CacheTTL time.Duration
	// PreviewTTL bounds how long a preview can back a submit.
	PreviewTTL time.Duration
	// Settle bounds the retries of ledger writes after a broadcast.
	Settle retry.Config

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Service serves claim previews and submits.
type Service struct {
	ledger   *entitlement.Ledger
	claims   storage.ClaimStore
	previews storage.PreviewStore
	archive  storage.ArchiveStore
	network  *solana.Network
	locks    lock.Locker

	treasury    solanago.PrivateKey
	treasuryPub solanago.PublicKey
	operator    solanago.PublicKey
	mint        solanago.PublicKey
	decimals    uint8
	feeLamports uint64
	previewTTL  time.Duration
	settleRetry retry.Config

	cache *singleflight.Group[PreviewResult]
	clock clockwork.Clock
	log   *slog.Logger
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Ledger == nil || opts.Claims == nil || opts.Previews == nil || opts.Network == nil {
		return nil, errors.New("claim: ledger, claims, previews and network are required")
	}
	if len(opts.Treasury) == 0 {
		return nil, errors.New("claim: treasury key is required")
	}
	if opts.RewardMint.IsZero() || opts.Operator.IsZero() {
		return nil, errors.New("claim: reward mint and operator are required")
	}
	if opts.Decimals > 12 {
		return nil, fmt.Errorf("claim: decimals %d out of range", opts.Decimals)
	}
	if opts.Locks == nil {
		opts.Locks = lock.NewMemory()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 2500 * time.Millisecond
	}
	if opts.PreviewTTL <= 0 {
		opts.PreviewTTL = 2 * time.Minute
	}
	if opts.Settle.MaxAttempts <= 0 {
		opts.Settle = retry.DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Service{
		ledger:      opts.Ledger,
		claims:      opts.Claims,
		previews:    opts.Previews,
		archive:     opts.Archive,
		network:     opts.Network,
		locks:       opts.Locks,
		treasury:    opts.Treasury,
		treasuryPub: opts.Treasury.PublicKey(),
		operator:    opts.Operator,
		mint:        opts.RewardMint,
		decimals:    opts.Decimals,
		feeLamports: opts.FeeLamports,
		previewTTL:  opts.PreviewTTL,
		settleRetry: opts.Settle,
		cache:       singleflight.New[PreviewResult](opts.CacheTTL, opts.Clock),
		clock:       opts.Clock,
		log:         opts.Logger,
	}, nil
}

// PruneCache drops expired preview memos.
func (s *Service) PruneCache() int {
	return s.cache.Prune()
}

// PrunePreviews deletes stored previews past their TTL.
func (s *Service) PrunePreviews(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.previewTTL).UnixMilli()
	n, err := s.previews.DeleteCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("claim: prune previews: %w", err)
	}
	return n, nil
}

// treasuryLiquidity returns the treasury's reward balance; exists is false
// when its token account has not been created.
func (s *Service) treasuryLiquidity(ctx context.Context) (amount uint64, exists bool, err error) {
	return s.network.TokenBalance(ctx, s.treasuryPub, s.mint)
}
