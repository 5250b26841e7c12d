package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.host":             "0.0.0.0",
		"server.port":             8000,
		"server.shutdown_timeout": "30s",

		"database.driver": "sqlite",
		"database.url":    "./data/costbook.db",

		"storage.jobs_dir": "./data/jobs",

		"cache.backend":      "database",
		"cache.redis_prefix": "costbook:",

		"lineage.backend":        "database",
		"lineage.mongo_database": "costbook",

		"scheduler.max_concurrent_jobs": 3,
		"scheduler.poll_interval":       "2s",

		"limits.max_file_size_mb": 100,

		"retention.days":           7,
		"retention.sweep_interval": "1h",

		"pipeline.default_title": "WinSupply",

		"collaborators.extract_cmd":    "costbook-extract",
		"collaborators.transform_cmd":  "costbook-transform",
		"collaborators.load_cmd":       "costbook-load",
		"collaborators.enrich_timeout": "10s",

		"inputs.url_enabled": true,
		"inputs.url_timeout": "300s",
		"inputs.s3_enabled":  false,

		"logging.level":  "info",
		"logging.format": "pretty",
	}

	for key, val := range defaults {
		_ = k.Set(key, val)
	}
}
