package persistence

import (
	"database/sql"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			progress_stage TEXT NOT NULL DEFAULT '',
			progress_percent INTEGER NOT NULL DEFAULT 0,
			progress_message TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			input_filename TEXT NOT NULL,
			input_size BIGINT NOT NULL,
			input_sha256 TEXT NOT NULL DEFAULT '',
			input_source TEXT NOT NULL DEFAULT '',
			output_filename TEXT NOT NULL DEFAULT '',
			result_stats TEXT NOT NULL DEFAULT '',
			costbook_title TEXT NOT NULL,
			enable_enrichment BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,
	},
}

// NewPostgresJobStore initializes the jobs table in db and returns a JobStore
// backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver. The caller is
// responsible for importing the driver for its side effects, e.g.:
//
//	_ "github.com/jackc/pgx/v5/stdlib"
//
// and providing a DSN via sql.Open("pgx", dsn).
func NewPostgresJobStore(db *sql.DB) (*SQLJobStore, error) {
	return newSQLJobStore(db, postgresDialect)
}
