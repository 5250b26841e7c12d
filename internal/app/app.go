// Package app assembles an Orchestrator and its HTTP handler from a loaded
// configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/costbook"
	"github.com/petrijr/costbook/internal/artifact"
	"github.com/petrijr/costbook/internal/cache"
	"github.com/petrijr/costbook/internal/collab"
	"github.com/petrijr/costbook/internal/config"
	"github.com/petrijr/costbook/internal/httpapi"
	"github.com/petrijr/costbook/internal/ingest"
	"github.com/petrijr/costbook/internal/persistence"
	"github.com/petrijr/costbook/pkg/api"
	"github.com/petrijr/costbook/pkg/worker"
)

// App owns the orchestrator and the connections it was built on.
type App struct {
	Orchestrator *costbook.Orchestrator
	Handler      http.Handler

	closers []func(context.Context) error
}

// Build opens the configured backends and wires the orchestrator. Close
// releases every connection Build opened.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	opts := costbook.Options{
		Logger:          logger,
		MaxInputBytes:   cfg.Limits.MaxInputBytes(),
		DefaultTitle:    cfg.Pipeline.DefaultTitle,
		RetentionPeriod: cfg.Retention.Period(),
		Scheduler: worker.Config{
			MaxConcurrentJobs:   cfg.Scheduler.MaxConcurrentJobs,
			PollInterval:        cfg.Scheduler.PollInterval,
			MaintenanceInterval: cfg.Retention.SweepInterval,
		},
	}

	if opts.Jobs, err = jobStore(db, cfg.Database.Driver); err != nil {
		return nil, err
	}
	if opts.Lineage, err = a.lineageStore(ctx, db, cfg); err != nil {
		return nil, err
	}
	if opts.Cache, err = a.enrichmentCache(ctx, db, cfg); err != nil {
		return nil, err
	}

	collabs, err := Collaborators(cfg.Collaborators)
	if err != nil {
		return nil, err
	}

	if opts.Artifacts, err = artifact.NewStore(cfg.Storage.JobsDir); err != nil {
		return nil, err
	}
	opts.Collaborators = collabs

	if opts.Fetchers, err = Fetchers(ctx, cfg.Inputs); err != nil {
		return nil, err
	}

	orch, err := costbook.New(opts)
	if err != nil {
		return nil, err
	}
	a.Orchestrator = orch
	a.Handler = httpapi.New(orch, httpapi.Options{
		Logger:         logger,
		MaxUploadBytes: opts.MaxInputBytes,
		Version:        version,
	})
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return persistence.OpenSQLite(cfg.URL)
	case "postgres":
		db, err := sql.Open("pgx", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func jobStore(db *sql.DB, driver string) (costbook.JobStore, error) {
	if driver == "postgres" {
		return persistence.NewPostgresJobStore(db)
	}
	return persistence.NewSQLiteJobStore(db)
}

func (a *App) lineageStore(ctx context.Context, db *sql.DB, cfg *config.Config) (costbook.LineageStore, error) {
	if cfg.Lineage.Backend == "mongo" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Lineage.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		return persistence.NewMongoLineageStore(ctx, client, cfg.Lineage.MongoDatabase)
	}
	if cfg.Database.Driver == "postgres" {
		return persistence.NewPostgresLineageStore(db)
	}
	return persistence.NewSQLiteLineageStore(db)
}

func (a *App) enrichmentCache(ctx context.Context, db *sql.DB, cfg *config.Config) (costbook.Cache, error) {
	switch cfg.Cache.Backend {
	case "memory":
		return cache.NewMemoryCache(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return cache.NewRedisCache(client, cfg.Cache.RedisPrefix), nil
	}
	if cfg.Database.Driver == "postgres" {
		return cache.NewPostgresCache(db)
	}
	return cache.NewSQLiteCache(db)
}

// Collaborators builds the stage programs and the optional certificate
// service client.
func Collaborators(cfg config.CollaboratorsConfig) (costbook.Collaborators, error) {
	extract, err := collab.ParseCommand(cfg.ExtractCmd)
	if err != nil {
		return costbook.Collaborators{}, fmt.Errorf("collaborators.extract_cmd: %w", err)
	}
	transform, err := collab.ParseCommand(cfg.TransformCmd)
	if err != nil {
		return costbook.Collaborators{}, fmt.Errorf("collaborators.transform_cmd: %w", err)
	}
	load, err := collab.ParseCommand(cfg.LoadCmd)
	if err != nil {
		return costbook.Collaborators{}, fmt.Errorf("collaborators.load_cmd: %w", err)
	}

	c := costbook.Collaborators{
		Extractor:   collab.ExecExtractor{Cmd: extract},
		Transformer: collab.ExecTransformer{Cmd: transform},
		Loader:      collab.ExecLoader{Cmd: load},
	}
	if cfg.EnrichURL != "" {
		c.Enricher = collab.NewHTTPEnricher(cfg.EnrichURL, cfg.EnrichTimeout)
	}
	return c, nil
}

// Fetchers builds the clients for the enabled input references.
func Fetchers(ctx context.Context, cfg config.InputsConfig) (map[api.SourceKind]costbook.Fetcher, error) {
	fetchers := map[api.SourceKind]costbook.Fetcher{}
	if cfg.URLEnabled {
		fetchers[api.SourceURL] = ingest.NewURLFetcher(cfg.URLTimeout)
	}
	if cfg.S3Enabled {
		s3, err := ingest.NewS3Fetcher(ctx, ingest.S3Options{Region: cfg.S3Region, Endpoint: cfg.S3Endpoint})
		if err != nil {
			return nil, fmt.Errorf("inputs.s3: %w", err)
		}
		fetchers[api.SourceS3] = s3
	}
	return fetchers, nil
}
