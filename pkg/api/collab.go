package api

import (
	"context"
	"time"
)

// Extractor turns an uploaded catalog into raw tables (the bronze artifact).
type Extractor interface {
	Extract(ctx context.Context, input []byte, filename string) ([]byte, error)
}

// TransformEvent is sent by a Transformer while it runs. Exactly one of the
// fields is set.
type TransformEvent struct {
	Progress *Progress
	LLMCall  *LLMCall
}

// LLMCall records one model invocation made by a Transformer.
type LLMCall struct {
	Model            string        `json:"model"`
	Purpose          string        `json:"purpose,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	CostUSD          float64       `json:"cost_usd"`
	Duration         time.Duration `json:"duration"`
}

// Per-token prices used when a Transformer reports a call without a cost.
const (
	PromptTokenPriceUSD     = 0.000003
	CompletionTokenPriceUSD = 0.000015
)

// EstimatedCost returns CostUSD, or an estimate from token counts when unset.
func (c LLMCall) EstimatedCost() float64 {
	if c.CostUSD > 0 {
		return c.CostUSD
	}
	return float64(c.PromptTokens)*PromptTokenPriceUSD + float64(c.CompletionTokens)*CompletionTokenPriceUSD
}

// TransformRequest is the input of one stage2 run.
type TransformRequest struct {
	Bronze []byte
	Config JobConfig

	// Enricher is nil unless enrichment is enabled for the job. It is backed
	// by the enrichment cache.
	Enricher Enricher

	// Events must not be used after Transform returns. Sends may block until
	// the runner has recorded the previous event.
	Events chan<- TransformEvent
}

// TransformStats is returned by a Transformer alongside the silver artifact.
type TransformStats struct {
	SourceType       string
	SystemsCount     int
	SourcesProcessed int
}

// Transformer turns raw tables into the normalized schema (silver).
type Transformer interface {
	Transform(ctx context.Context, req TransformRequest) ([]byte, TransformStats, error)
}

// Enricher looks up external component specifications by identifier.
// It returns ErrNotFound when the identifier is unknown.
type Enricher interface {
	Lookup(ctx context.Context, identifier string) ([]byte, error)
}

// LoadStats is returned by a Loader alongside the gold artifact.
type LoadStats struct {
	SystemsCount    int
	ComponentsCount int
	RowCount        int
}

// Loader renders the normalized schema into the costbook (gold).
type Loader interface {
	Generate(ctx context.Context, silver []byte, costbookTitle string) ([]byte, LoadStats, error)
}

// Collaborators bundles the pipeline stage implementations.
type Collaborators struct {
	Extractor   Extractor
	Transformer Transformer
	Enricher    Enricher
	Loader      Loader
}

// Validate checks that the mandatory collaborators are present.
func (c Collaborators) Validate() error {
	switch {
	case c.Extractor == nil:
		return Validationf("extractor is required")
	case c.Transformer == nil:
		return Validationf("transformer is required")
	case c.Loader == nil:
		return Validationf("loader is required")
	}
	return nil
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, input []byte, filename string) ([]byte, error)

func (f ExtractorFunc) Extract(ctx context.Context, input []byte, filename string) ([]byte, error) {
	return f(ctx, input, filename)
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(ctx context.Context, req TransformRequest) ([]byte, TransformStats, error)

func (f TransformerFunc) Transform(ctx context.Context, req TransformRequest) ([]byte, TransformStats, error) {
	return f(ctx, req)
}

// EnricherFunc adapts a function to the Enricher interface.
type EnricherFunc func(ctx context.Context, identifier string) ([]byte, error)

func (f EnricherFunc) Lookup(ctx context.Context, identifier string) ([]byte, error) {
	return f(ctx, identifier)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, silver []byte, costbookTitle string) ([]byte, LoadStats, error)

func (f LoaderFunc) Generate(ctx context.Context, silver []byte, costbookTitle string) ([]byte, LoadStats, error) {
	return f(ctx, silver, costbookTitle)
}
