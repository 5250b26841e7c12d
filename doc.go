// Package costbook turns supplier catalogs into costbook spreadsheets through
// a durable three-stage pipeline.
//
// A submitted catalog (Excel or PDF) becomes a Job. Workers claim pending
// jobs and run them through three stages, each backed by a pluggable
// collaborator:
//
//  1. Extraction (stage1): the Extractor reads the raw catalog into the
//     bronze artifact.
//  2. Transformation (stage2): the Transformer turns bronze into the
//     structured silver schema, streaming progress and LLM usage. When
//     enrichment is enabled it looks up missing component specs through a
//     cached Enricher.
//  3. Load (stage3): the Loader renders silver into the gold costbook.
//
// Every stage writes its artifact atomically and only on success, so a
// failed stage never leaves partial output behind. Each job keeps an
// append-only lineage log of stage boundaries, LLM calls, errors and
// cancellations.
//
// # Job lifecycle
//
//	pending → processing → stage1 → stage2 → stage3 → completed
//	pending → cancelled
//	processing | stage1 | stage2 | stage3 → failed
//
// Transitions are conditional updates in the job store, so a cancel racing
// a claim has exactly one winner. Only pending jobs can be cancelled and
// only finished jobs can be deleted.
//
// # Backends
//
// Jobs and lineage can be stored in SQLite (the default), Postgres or, for
// lineage, MongoDB. The enrichment cache can use SQLite, Postgres, Redis or
// process memory. Artifacts always live on the local filesystem under one
// directory per job.
//
// # Usage
//
//	db, _ := persistence.OpenSQLite("costbook.db")
//	orch, err := costbook.NewSQLite(db, "./jobs", collaborators, costbook.Options{
//		Scheduler: costbook.SchedulerConfig{MaxConcurrentJobs: 3},
//	})
//	if err != nil { ... }
//	if err := orch.Start(ctx); err != nil { ... }
//	defer orch.Stop()
//
//	job, err := orch.Submit(ctx, costbook.SubmitRequest{
//		Filename: "catalog.xlsx",
//		Data:     data,
//	})
//
// Start fails every job left active by a previous process before claiming
// new work; an interrupted stage cannot be resumed and must be resubmitted.
package costbook
