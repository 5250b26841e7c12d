// Package api contains the public types shared by the costbook orchestrator,
// its storage backends and the pipeline collaborators.
//
// Most users interact with the higher-level costbook package, which wires
// these types together. The api package is intended for collaborator
// implementations, custom storage backends and tooling that inspects jobs.
//
// # Jobs
//
// A Job is one catalog-to-costbook conversion. It moves through a fixed state
// machine:
//
//	pending -> processing -> stage1 -> stage2 -> stage3 -> completed
//	pending -> cancelled
//	processing | stage1 | stage2 | stage3 -> failed
//
// CanTransition reports whether an edge is legal. Completed, failed and
// cancelled are terminal: a terminal job never changes again and may only be
// deleted.
//
// # Artifacts
//
// Each job owns up to four artifacts, one per Stage: the uploaded input, the
// extracted raw tables (bronze), the normalized schema (silver) and the
// rendered costbook (gold).
//
// # Collaborators
//
// The pipeline stages are implemented outside this module behind the
// Extractor, Transformer, Enricher and Loader interfaces. A Transformer
// reports progress and model usage by sending TransformEvent values on the
// channel in its TransformRequest.
//
// # Errors
//
// Every error produced by the orchestrator matches one of ErrValidation,
// ErrConflict, ErrNotFound, ErrExtraction, ErrTransform, ErrLoad or
// ErrStorage via errors.Is.
//
// # Observability
//
// Observer receives job and stage lifecycle callbacks. LoggingObserver logs
// them with log/slog, BasicMetrics keeps counters, and NewCompositeObserver
// combines several observers.
package api
