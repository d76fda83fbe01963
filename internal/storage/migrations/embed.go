package migrations

import "embed"

// schemaFS holds both schema trees. Postgres versions are run by goose;
// the archive versions by RunClickhouseMigrations.
//
//go:embed postgres/*.sql clickhouse/*.sql
var schemaFS embed.FS

const (
	postgresDir   = "postgres"
	clickhouseDir = "clickhouse"
)
