// Package config loads the service configuration from an optional .env
// file, environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"reward-distributor/internal/domain"
	"reward-distributor/internal/solana"
	"reward-distributor/internal/window"
)

// Config is the single typed configuration of the service.
type Config struct {
	Verbose    bool
	ListenAddr string

	// Cycle schedule.
	Window       time.Duration
	PrepLead     time.Duration
	SnapshotLead time.Duration
	Grace        time.Duration

	// Distribution.
	ReserveBps       uint64
	OperatorBps      uint64
	TreasuryBps      uint64
	BufferBps        uint64
	MinHolderBalance string // in AmountUnit of the holder token
	Exclude          []string
	HolderMint       string
	HolderDecimals   uint8
	RewardMint       string
	RewardDecimals   uint8
	AmountUnit       string

	// Lamport thresholds.
	MinBufferLamports  uint64
	FeeReserveLamports uint64
	MinSwapLamports    uint64
	ClaimFeeLamports   uint64

	// Claims.
	PreviewRatePerMin int
	SubmitRatePerMin  int
	IPRatePerMin      int
	PreviewTTL        time.Duration
	ClaimCacheTTL     time.Duration
	HolderCacheTTL    time.Duration

	// Keys. Base58, keygen JSON array or keygen file path.
	OperatorKey string
	TreasuryKey string

	// Upstreams.
	RPCEndpoint          string
	RPCSecondaryEndpoint string
	WSEndpoint           string
	SwapAPI              string
	FeeCollectAPI        string
	FeeCollectMarker     string

	// Storage.
	PostgresDSN   string
	ClickHouseDSN string
	UseMemory     bool
	RedisURL      string

	// Operations.
	JWTSecret   string
	SentryDSN   string
	Environment string
	JanitorSpec string
	CORSOrigins []string

	// Set by Validate.
	Operator         solanago.PrivateKey
	Treasury         solanago.PrivateKey
	RewardMintKey    solanago.PublicKey
	HolderMintKey    solanago.PublicKey
	MinHolderRaw     uint64
	Unit             domain.Unit
	ScheduleSettings window.Schedule
}

// Load reads .env (if present), then parses args with environment
// variables as flag defaults, then validates. extra registers
// command-specific flags on the same set before parsing.
func Load(args []string, extra ...func(*flag.FlagSet)) (*Config, error) {
	// Existing environment variables win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg, fs := newFlagSet()
	for _, register := range extra {
		register(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newFlagSet() (*Config, *flag.FlagSet) {
	cfg := &Config{}
	fs := flag.NewFlagSet("reward-distributor", flag.ContinueOnError)

	fs.BoolVar(&cfg.Verbose, "verbose", envBool("VERBOSE", false), "enable debug logging")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", envString("LISTEN_ADDR", ":8080"), "HTTP listen address")

	fs.DurationVar(&cfg.Window, "window", envDuration("WINDOW", 10*time.Minute), "cycle length")
	fs.DurationVar(&cfg.PrepLead, "prep-lead", envDuration("PREP_LEAD", 2*time.Minute), "prepare deadline before window end")
	fs.DurationVar(&cfg.SnapshotLead, "snapshot-lead", envDuration("SNAPSHOT_LEAD", time.Minute), "snapshot deadline before window end")
	fs.DurationVar(&cfg.Grace, "grace", envDuration("GRACE", 90*time.Second), "snapshot grace after its deadline")

	fs.Uint64Var(&cfg.ReserveBps, "reserve-bps", envUint("RESERVE_BPS", 9_500), "share of the acquired reward allocated to holders")
	fs.Uint64Var(&cfg.OperatorBps, "operator-bps", envUint("OPERATOR_BPS", 1_000), "operator share of collected fees")
	fs.Uint64Var(&cfg.TreasuryBps, "treasury-bps", envUint("TREASURY_BPS", 8_000), "treasury share of collected fees")
	fs.Uint64Var(&cfg.BufferBps, "buffer-bps", envUint("BUFFER_BPS", 1_000), "buffer share of collected fees")
	fs.StringVar(&cfg.MinHolderBalance, "min-holder-balance", envString("MIN_HOLDER_BALANCE", "0"), "minimum holder balance to be eligible")
	fs.StringSliceVar(&cfg.Exclude, "exclude", envList("EXCLUDE_WALLETS"), "wallets never eligible")
	fs.StringVar(&cfg.HolderMint, "holder-mint", envString("HOLDER_MINT", ""), "mint whose holders are rewarded")
	fs.Uint8Var(&cfg.HolderDecimals, "holder-decimals", uint8(envUint("HOLDER_DECIMALS", 6)), "holder token decimals")
	fs.StringVar(&cfg.RewardMint, "reward-mint", envString("REWARD_MINT", ""), "reward token mint")
	fs.Uint8Var(&cfg.RewardDecimals, "reward-decimals", uint8(envUint("REWARD_DECIMALS", 6)), "reward token decimals")
	fs.StringVar(&cfg.AmountUnit, "amount-unit", envString("AMOUNT_UNIT", string(domain.UnitDisplay)), "API amount convention: raw or display")

	fs.Uint64Var(&cfg.MinBufferLamports, "min-buffer-lamports", envUint("MIN_BUFFER_LAMPORTS", 50_000_000), "lamports always kept on the operating account")
	fs.Uint64Var(&cfg.FeeReserveLamports, "fee-reserve-lamports", envUint("FEE_RESERVE_LAMPORTS", 10_000_000), "lamports of each treasury transfer kept for fees")
	fs.Uint64Var(&cfg.MinSwapLamports, "min-swap-lamports", envUint("MIN_SWAP_LAMPORTS", 10_000_000), "smallest swap input")
	fs.Uint64Var(&cfg.ClaimFeeLamports, "claim-fee-lamports", envUint("CLAIM_FEE_LAMPORTS", 0), "service fee paid by claimants")

	fs.IntVar(&cfg.PreviewRatePerMin, "preview-rate", envInt("PREVIEW_RATE_PER_MIN", 30), "previews per wallet per minute")
	fs.IntVar(&cfg.SubmitRatePerMin, "submit-rate", envInt("SUBMIT_RATE_PER_MIN", 10), "submits per wallet per minute")
	fs.IntVar(&cfg.IPRatePerMin, "ip-rate", envInt("IP_RATE_PER_MIN", 120), "claim requests per IP per minute")
	fs.DurationVar(&cfg.PreviewTTL, "preview-ttl", envDuration("PREVIEW_TTL", 2*time.Minute), "how long a preview can back a submit")
	fs.DurationVar(&cfg.ClaimCacheTTL, "claim-cache-ttl", envDuration("CLAIM_CACHE_TTL", 2500*time.Millisecond), "preview micro-cache TTL")
	fs.DurationVar(&cfg.HolderCacheTTL, "holder-cache-ttl", envDuration("HOLDER_CACHE_TTL", 45*time.Second), "holder scan cache TTL")

	fs.StringVar(&cfg.OperatorKey, "operator-key", envString("OPERATOR_KEY", ""), "operating account secret key")
	fs.StringVar(&cfg.TreasuryKey, "treasury-key", envString("TREASURY_KEY", ""), "treasury secret key")

	fs.StringVar(&cfg.RPCEndpoint, "rpc-endpoint", envString("SOLANA_RPC_ENDPOINT", ""), "Solana RPC HTTP endpoint")
	fs.StringVar(&cfg.RPCSecondaryEndpoint, "rpc-secondary-endpoint", envString("SOLANA_RPC_SECONDARY_ENDPOINT", ""), "failover RPC endpoint for broadcasts")
	fs.StringVar(&cfg.WSEndpoint, "ws-endpoint", envString("SOLANA_WS_ENDPOINT", ""), "Solana WebSocket endpoint")
	fs.StringVar(&cfg.SwapAPI, "swap-api", envString("SWAP_API", "https://quote-api.jup.ag/v6"), "swap quote API base URL")
	fs.StringVar(&cfg.FeeCollectAPI, "fee-collect-api", envString("FEE_COLLECT_API", ""), "fee collection transaction API")
	fs.StringVar(&cfg.FeeCollectMarker, "fee-collect-marker", envString("FEE_COLLECT_MARKER", ""), "log line proving fee collection")

	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", envString("POSTGRES_DSN", ""), "PostgreSQL connection string")
	fs.StringVar(&cfg.ClickHouseDSN, "clickhouse-dsn", envString("CLICKHOUSE_DSN", ""), "ClickHouse connection string (optional)")
	fs.BoolVar(&cfg.UseMemory, "use-memory", envBool("USE_MEMORY", false), "use in-memory storage instead of PostgreSQL")
	fs.StringVar(&cfg.RedisURL, "redis-url", envString("REDIS_URL", ""), "Redis URL for cross-instance wallet locks (optional)")

	fs.StringVar(&cfg.JWTSecret, "jwt-secret", envString("JWT_SECRET", ""), "HMAC secret for admin tokens")
	fs.StringVar(&cfg.SentryDSN, "sentry-dsn", envString("SENTRY_DSN", ""), "Sentry DSN (optional)")
	fs.StringVar(&cfg.Environment, "environment", envString("ENVIRONMENT", "development"), "deployment environment name")
	fs.StringVar(&cfg.JanitorSpec, "janitor-spec", envString("JANITOR_SPEC", "@every 1m"), "housekeeping cron schedule")
	fs.StringSliceVar(&cfg.CORSOrigins, "cors-origins", envList("CORS_ORIGINS"), "allowed CORS origins")

	return cfg, fs
}

// Validate checks the configuration and fills the parsed fields.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c.ScheduleSettings = window.Schedule{
		Window:       c.Window,
		PrepLead:     c.PrepLead,
		SnapshotLead: c.SnapshotLead,
		Grace:        c.Grace,
	}
	if err := c.ScheduleSettings.Validate(); err != nil {
		fail("schedule: %w", err)
	}
	if c.ReserveBps == 0 || c.ReserveBps > 10_000 {
		fail("reserve-bps must be within (0, 10000], got %d", c.ReserveBps)
	}
	if sum := c.OperatorBps + c.TreasuryBps + c.BufferBps; sum != 10_000 {
		fail("operator, treasury and buffer bps must sum to 10000, got %d", sum)
	}
	if c.RewardDecimals > 12 || c.HolderDecimals > 12 {
		fail("decimals must be at most 12")
	}

	c.Unit = domain.Unit(c.AmountUnit)
	if !c.Unit.Valid() {
		fail("amount-unit must be raw or display, got %q", c.AmountUnit)
	} else if minBal, err := domain.ParseAmount(c.MinHolderBalance, c.Unit, c.HolderDecimals); err != nil {
		fail("min-holder-balance: %w", err)
	} else {
		c.MinHolderRaw = uint64(minBal)
	}

	if c.PreviewRatePerMin < 0 || c.SubmitRatePerMin < 0 || c.IPRatePerMin < 0 {
		fail("rate limits must not be negative")
	}
	if c.PreviewTTL <= 0 || c.ClaimCacheTTL <= 0 {
		fail("preview-ttl and claim-cache-ttl must be positive")
	}

	if c.RPCEndpoint == "" {
		fail("--rpc-endpoint is required")
	}
	if !c.UseMemory && c.PostgresDSN == "" {
		fail("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}

	var err error
	if c.RewardMintKey, err = solana.ParsePublicKey(c.RewardMint); err != nil {
		fail("reward-mint: %w", err)
	}
	if c.HolderMintKey, err = solana.ParsePublicKey(c.HolderMint); err != nil {
		fail("holder-mint: %w", err)
	}
	if c.Operator, err = solana.ParsePrivateKey(c.OperatorKey); err != nil {
		fail("operator-key: %w", err)
	}
	if c.Treasury, err = solana.ParsePrivateKey(c.TreasuryKey); err != nil {
		fail("treasury-key: %w", err)
	}
	for _, w := range c.Exclude {
		if _, err := domain.NormalizeWallet(w); err != nil {
			fail("exclude: %w", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envUint(key string, def uint64) uint64 {
	if v, err := strconv.ParseUint(os.Getenv(key), 10, 64); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
