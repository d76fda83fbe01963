// Package holders lists the wallets eligible for a cycle's reward by
// scanning the token program for accounts of the holding mint.
package holders

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/observability"
	"reward-distributor/internal/singleflight"
	"reward-distributor/internal/solana"
)

// SPL token account layout.
const (
	tokenAccountSize = 165
	mintOffset       = 0
	ownerOffset      = 32
	amountOffset     = 64
	stateOffset      = 108

	stateInitialized = 1
)

const cacheKey = "holders"

// Directory lists eligible holders.
type Directory interface {
	// ListEligibleHolders returns holders at or above the minimum balance,
	// sorted by wallet.
	ListEligibleHolders(ctx context.Context) ([]domain.Holder, error)

	// Prefetch starts warming whatever ListEligibleHolders reads, without
	// blocking.
	Prefetch(ctx context.Context)
}

// Static is a fixed holder list.
type Static []domain.Holder

// ListEligibleHolders returns a copy of the list.
func (s Static) ListEligibleHolders(context.Context) ([]domain.Holder, error) {
	out := make([]domain.Holder, len(s))
	copy(out, s)
	return out, nil
}

// Prefetch is a no-op.
func (Static) Prefetch(context.Context) {}

// Config configures an RPCDirectory.
type Config struct {
	Mint       solanago.PublicKey
	MinBalance uint64
	// Exclude lists wallets never eligible (treasury, operator, pools).
	Exclude []string
	// CacheTTL is how long a scan result is reused. Zero disables caching.
	CacheTTL time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// RPCDirectory scans token accounts with getProgramAccounts.
type RPCDirectory struct {
	rpc     solana.RPCClient
	cfg     Config
	exclude map[string]struct{}
	group   *singleflight.Group[[]domain.Holder]
}

// NewRPCDirectory creates a directory for cfg.Mint.
func NewRPCDirectory(rpc solana.RPCClient, cfg Config) *RPCDirectory {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	exclude := make(map[string]struct{}, len(cfg.Exclude))
	for _, w := range cfg.Exclude {
		if norm, err := domain.NormalizeWallet(w); err == nil {
			w = norm
		}
		exclude[w] = struct{}{}
	}
	return &RPCDirectory{
		rpc:     rpc,
		cfg:     cfg,
		exclude: exclude,
		group:   singleflight.New[[]domain.Holder](cfg.CacheTTL, cfg.Clock),
	}
}

// Compile-time interface check.
var _ Directory = (*RPCDirectory)(nil)

// ListEligibleHolders returns the cached scan if fresh, otherwise scans.
func (d *RPCDirectory) ListEligibleHolders(ctx context.Context) ([]domain.Holder, error) {
	holders, _, err := d.group.Do(ctx, cacheKey, d.scan)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Holder, len(holders))
	copy(out, holders)
	return out, nil
}

// Prefetch warms the cache in the background.
func (d *RPCDirectory) Prefetch(ctx context.Context) {
	go func() {
		if _, _, err := d.group.Do(context.WithoutCancel(ctx), cacheKey, d.scan); err != nil {
			d.cfg.Logger.Warn("holders: prefetch failed", "error", err)
		}
	}()
}

// Invalidate drops the cached scan.
func (d *RPCDirectory) Invalidate() {
	d.group.Forget(cacheKey)
}

func (d *RPCDirectory) scan(ctx context.Context) ([]domain.Holder, error) {
	start := d.cfg.Clock.Now()

	accounts, err := d.rpc.GetProgramAccounts(ctx, solanago.TokenProgramID.String(), []solana.AccountFilter{
		{DataSize: tokenAccountSize},
		{Memcmp: &solana.Memcmp{Offset: mintOffset, Bytes: d.cfg.Mint.String()}},
	})
	if err != nil {
		return nil, fmt.Errorf("scan token accounts: %w", err)
	}

	balances := make(map[string]uint64)
	skipped := 0
	for _, acc := range accounts {
		owner, amount, ok := parseTokenAccount(acc.Data)
		if !ok || amount == 0 {
			continue
		}
		wallet, err := domain.NormalizeWallet(owner)
		if err != nil {
			// Off-curve owners are program accounts (pools, vaults).
			skipped++
			continue
		}
		if _, excluded := d.exclude[wallet]; excluded {
			continue
		}
		balances[wallet] = saturatingAdd(balances[wallet], amount)
	}

	holders := make([]domain.Holder, 0, len(balances))
	for wallet, balance := range balances {
		if balance < d.cfg.MinBalance {
			continue
		}
		holders = append(holders, domain.Holder{Wallet: wallet, Balance: balance})
	}
	sort.Slice(holders, func(i, j int) bool {
		return holders[i].Wallet < holders[j].Wallet
	})

	observability.RecordHolderScan(d.cfg.Clock.Since(start))
	d.cfg.Logger.Info("holders: scanned",
		"accounts", len(accounts),
		"eligible", len(holders),
		"program_owned", skipped,
		"duration", d.cfg.Clock.Since(start),
	)
	return holders, nil
}

// parseTokenAccount extracts owner and amount from an initialized SPL
// token account.
func parseTokenAccount(data []byte) (owner string, amount uint64, ok bool) {
	if len(data) != tokenAccountSize || data[stateOffset] != stateInitialized {
		return "", 0, false
	}
	owner = base58.Encode(data[ownerOffset : ownerOffset+32])
	amount = binary.LittleEndian.Uint64(data[amountOffset : amountOffset+8])
	return owner, amount, true
}

func saturatingAdd(a, b uint64) uint64 {
	if a+b < a {
		return ^uint64(0)
	}
	return a + b
}

// TokenAccountData encodes an initialized token account. Used to seed
// test networks.
func TokenAccountData(mint, owner solanago.PublicKey, amount uint64) []byte {
	data := make([]byte, tokenAccountSize)
	copy(data[mintOffset:], mint[:])
	copy(data[ownerOffset:], owner[:])
	binary.LittleEndian.PutUint64(data[amountOffset:], amount)
	data[stateOffset] = stateInitialized
	return data
}
