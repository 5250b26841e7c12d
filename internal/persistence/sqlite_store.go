package persistence

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/petrijr/costbook/pkg/api"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			progress_stage TEXT NOT NULL DEFAULT '',
			progress_percent INTEGER NOT NULL DEFAULT 0,
			progress_message TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			input_filename TEXT NOT NULL,
			input_size INTEGER NOT NULL,
			input_sha256 TEXT NOT NULL DEFAULT '',
			input_source TEXT NOT NULL DEFAULT '',
			output_filename TEXT NOT NULL DEFAULT '',
			result_stats TEXT NOT NULL DEFAULT '',
			costbook_title TEXT NOT NULL,
			enable_enrichment BOOLEAN NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,
	},
}

// NewSQLiteJobStore initializes the jobs table in db and returns a JobStore.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). OpenSQLite returns a suitably configured handle.
func NewSQLiteJobStore(db *sql.DB) (*SQLJobStore, error) {
	return newSQLJobStore(db, sqliteDialect)
}

// OpenSQLite opens (creating if needed) the SQLite database at path with WAL
// journaling and a busy timeout. The pool is limited to one connection: all
// writes are short single statements, and it keeps ":memory:" databases
// shared by every caller.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path +
			"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, api.StorageError("open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, api.StorageError("open sqlite", err)
	}
	return db, nil
}
