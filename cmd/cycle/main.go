// Package main is the operator CLI for one-shot cycle operations.
//
// Usage:
//
//	cycle status   [--cycle ID] [config flags]
//	cycle prepare  [--cycle ID] [config flags]
//	cycle snapshot [--cycle ID] [config flags]
//	cycle migrate  [config flags]
//	cycle token    [--ttl 1h] [config flags]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"reward-distributor/internal/api"
	"reward-distributor/internal/config"
	"reward-distributor/internal/logger"
	"reward-distributor/internal/orchestrator"
	"reward-distributor/internal/storage/migrations"
)

const usage = "usage: cycle <status|prepare|snapshot|migrate|token> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "cycle %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	var (
		cycleID int64
		ttl     time.Duration
	)
	cfg, err := config.Load(args, func(fs *flag.FlagSet) {
		fs.Int64Var(&cycleID, "cycle", 0, "cycle id (defaults to the current cycle)")
		fs.DurationVar(&ttl, "ttl", time.Hour, "admin token lifetime")
	})
	if err != nil {
		return err
	}
	log := logger.New(cfg.Verbose)

	switch cmd {
	case "migrate":
		if cfg.UseMemory {
			return errors.New("nothing to migrate with --use-memory")
		}
		if err := migrations.RunPostgresMigrations(ctx, log, cfg.PostgresDSN); err != nil {
			return err
		}
		if cfg.ClickHouseDSN != "" {
			conn, err := migrations.RunClickhouseMigrations(ctx, log, cfg.ClickHouseDSN)
			if err != nil {
				return err
			}
			_ = conn.Close()
		}
		log.Info("cycle: migrations applied")
		return nil

	case "token":
		token, err := api.IssueAdminToken([]byte(cfg.JWTSecret), "cycle-cli", ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil

	case "status", "prepare", "snapshot":
	default:
		return errors.New(usage)
	}

	o, err := orchestrator.New(ctx, orchestrator.Options{Config: cfg, Logger: log})
	if err != nil {
		return err
	}
	defer o.Close()

	now := time.Now()
	c := cfg.ScheduleSettings.For(now)
	if cycleID != 0 {
		if !cfg.ScheduleSettings.IsBoundary(cycleID) {
			return fmt.Errorf("cycle id %d is not a window boundary", cycleID)
		}
		c = cfg.ScheduleSettings.ForID(cycleID)
	}

	switch cmd {
	case "prepare":
		res, err := o.Prep.RunPrepare(ctx, c.ID)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"step": res.Step, "prep": res.Prep})

	case "snapshot":
		res, err := o.Snapshots.RunSnapshot(ctx, c.ID, now)
		if err != nil {
			return err
		}
		out := map[string]any{"status": res.Status, "cycleId": res.CycleID, "note": res.Note, "inserted": res.Inserted}
		if res.EtaMs > 0 {
			out["etaMs"] = res.EtaMs
		}
		if s := res.Snapshot; s != nil {
			out["allocated"] = s.AllocatedReward.Format(cfg.Unit, cfg.RewardDecimals)
			out["holders"] = s.EligibleHolderCount
			out["holdersHash"] = s.HoldersHash
		}
		return printJSON(out)

	default:
		p, err := o.Prep.Get(ctx, c.ID)
		if err != nil {
			return err
		}
		snap, err := o.Snapshots.Get(ctx, c.ID)
		if err != nil {
			return err
		}
		total, err := o.Ledger.RunningTotal(ctx)
		if err != nil {
			return err
		}
		out := map[string]any{
			"cycle":            c,
			"phase":            c.PhaseAt(now.UnixMilli()),
			"prep":             p,
			"distributedTotal": total.Format(cfg.Unit, cfg.RewardDecimals),
		}
		if snap != nil {
			snap.Holders = nil
			out["snapshot"] = snap
		}
		return printJSON(out)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
