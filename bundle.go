package costbook

import (
	"database/sql"

	"github.com/petrijr/costbook/internal/artifact"
	"github.com/petrijr/costbook/internal/cache"
	"github.com/petrijr/costbook/internal/persistence"
)

// NewSQLite builds an Orchestrator whose jobs, lineage and enrichment cache
// share one SQLite database, with artifacts stored under jobsDir. Stores
// already set in opts are kept.
//
// Typical usage:
//
//	db, _ := persistence.OpenSQLite("costbook.db")
//	orch, err := costbook.NewSQLite(db, "./jobs", collab, costbook.Options{})
//	_ = orch.Start(ctx)
//	defer orch.Stop()
func NewSQLite(db *sql.DB, jobsDir string, collab Collaborators, opts Options) (*Orchestrator, error) {
	if opts.Jobs == nil {
		jobs, err := persistence.NewSQLiteJobStore(db)
		if err != nil {
			return nil, err
		}
		opts.Jobs = jobs
	}
	if opts.Lineage == nil {
		lineage, err := persistence.NewSQLiteLineageStore(db)
		if err != nil {
			return nil, err
		}
		opts.Lineage = lineage
	}
	if opts.Cache == nil {
		c, err := cache.NewSQLiteCache(db)
		if err != nil {
			return nil, err
		}
		opts.Cache = c
	}
	return withArtifacts(jobsDir, collab, opts)
}

// NewInMemory builds an Orchestrator whose jobs, lineage and cache live in
// process memory. Artifacts are still written under jobsDir. Intended for
// tests and local development.
func NewInMemory(jobsDir string, collab Collaborators, opts Options) (*Orchestrator, error) {
	if opts.Jobs == nil {
		opts.Jobs = persistence.NewInMemoryJobStore()
	}
	if opts.Lineage == nil {
		opts.Lineage = persistence.NewInMemoryLineageStore()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryCache()
	}
	return withArtifacts(jobsDir, collab, opts)
}

func withArtifacts(jobsDir string, collab Collaborators, opts Options) (*Orchestrator, error) {
	if opts.Artifacts == nil {
		store, err := artifact.NewStore(jobsDir)
		if err != nil {
			return nil, err
		}
		opts.Artifacts = store
	}
	opts.Collaborators = collab
	return New(opts)
}
