package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"reward-distributor/internal/idhash"
	chstore "reward-distributor/internal/storage/clickhouse"
)

// chLedgerTable records which archive schema versions are applied.
const chLedgerTable = "schema_migrations"

// chMigration is one versioned archive schema file.
type chMigration struct {
	Version    int64
	Name       string
	Checksum   string
	Statements []string
}

// RunClickhouseMigrations creates the archive database if needed and applies
// the embedded schema versions not yet recorded in its ledger. An applied
// file whose content changed is an error. The returned connection targets
// the archive database.
func RunClickhouseMigrations(ctx context.Context, log *slog.Logger, dsn string) (*chstore.Conn, error) {
	migs, err := loadClickhouseMigrations(schemaFS, clickhouseDir)
	if err != nil {
		return nil, err
	}

	dbName, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := ensureDatabase(ctx, dsn, dbName); err != nil {
		return nil, err
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, dbName)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse db: %w", err)
	}
	if err := applyClickhouse(ctx, log, conn, migs); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func ensureDatabase(ctx context.Context, dsn, dbName string) error {
	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return fmt.Errorf("connect clickhouse admin: %w", err)
	}
	defer admin.Close()

	if err := admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", dbName)); err != nil {
		return fmt.Errorf("create database %s: %w", dbName, err)
	}
	return nil
}

func applyClickhouse(ctx context.Context, log *slog.Logger, conn *chstore.Conn, migs []chMigration) error {
	err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+chLedgerTable+` (
			version     Int64,
			name        String,
			checksum    String,
			applied_at  DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree()
		ORDER BY version`)
	if err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}
	todo, err := pendingMigrations(migs, applied)
	if err != nil {
		return err
	}

	for _, m := range todo {
		for _, stmt := range m.Statements {
			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.Name, err)
			}
		}
		// Statements are idempotent DDL, so a crash before this insert
		// re-runs the file harmlessly.
		err := conn.Exec(ctx,
			"INSERT INTO "+chLedgerTable+" (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)",
			m.Version, m.Name, m.Checksum, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		log.Info("clickhouse: migration applied", "version", m.Version, "name", m.Name)
	}
	if len(todo) == 0 {
		log.Debug("clickhouse: schema up to date", "versions", len(migs))
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *chstore.Conn) (map[int64]string, error) {
	rows, err := conn.Query(ctx, "SELECT version, checksum FROM "+chLedgerTable+" FINAL")
	if err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]string)
	for rows.Next() {
		var (
			version  int64
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan migration ledger: %w", err)
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

// pendingMigrations returns the migrations missing from applied, in version
// order. It fails when an applied file no longer matches its checksum.
func pendingMigrations(migs []chMigration, applied map[int64]string) ([]chMigration, error) {
	var todo []chMigration
	for _, m := range migs {
		sum, ok := applied[m.Version]
		if !ok {
			todo = append(todo, m)
			continue
		}
		if sum != m.Checksum {
			return nil, fmt.Errorf("migration %s changed after it was applied", m.Name)
		}
	}
	return todo, nil
}

// loadClickhouseMigrations reads dir's .sql files. File names carry a goose
// style numeric prefix, and two files may not share a version.
func loadClickhouseMigrations(fsys fs.FS, dir string) ([]chMigration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read clickhouse migrations: %w", err)
	}

	var migs []chMigration
	seen := make(map[int64]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		version, err := goose.NumericComponent(name)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name

		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		stmts, err := splitStatements(string(data))
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
		if len(stmts) == 0 {
			return nil, fmt.Errorf("migration %s has no statements", name)
		}
		migs = append(migs, chMigration{
			Version:    version,
			Name:       name,
			Checksum:   idhash.ComputeMessageHash(data),
			Statements: stmts,
		})
	}

	slices.SortFunc(migs, func(a, b chMigration) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		}
		return 0
	})
	return migs, nil
}

// splitStatements cuts SQL at semicolons outside single-quoted literals and
// drops -- comments. The native protocol runs one statement per Exec.
func splitStatements(input string) ([]string, error) {
	var (
		stmts    []string
		cur      strings.Builder
		inString bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(input); i++ {
		ch := input[i]
		switch {
		case inString:
			cur.WriteByte(ch)
			if ch == '\'' {
				if i+1 < len(input) && input[i+1] == '\'' {
					cur.WriteByte('\'')
					i++
					continue
				}
				inString = false
			}
		case ch == '\'':
			inString = true
			cur.WriteByte(ch)
		case ch == '-' && i+1 < len(input) && input[i+1] == '-':
			for i < len(input) && input[i] != '\n' {
				i++
			}
			cur.WriteByte('\n')
		case ch == ';':
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	if inString {
		return nil, fmt.Errorf("unterminated string literal")
	}
	flush()
	return stmts, nil
}

func databaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return "", fmt.Errorf("clickhouse dsn missing database")
	}
	return db, nil
}
