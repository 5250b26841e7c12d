package collab

import (
	"context"
	"fmt"

	"github.com/petrijr/costbook/pkg/api"
)

// ExecExtractor runs an extraction program. The input filename is passed as
// --filename so the program can pick a reader by extension.
type ExecExtractor struct {
	Cmd Command
}

func (e ExecExtractor) Extract(ctx context.Context, input []byte, filename string) ([]byte, error) {
	return run(ctx, e.Cmd, []string{"--filename", filename}, input, nil)
}

// ExecTransformer runs a transformation program and relays its progress and
// LLM usage. When the request carries an Enricher, the program's output is
// enriched with EnrichSilver before it is returned.
type ExecTransformer struct {
	Cmd Command
}

func (t ExecTransformer) Transform(ctx context.Context, req api.TransformRequest) ([]byte, api.TransformStats, error) {
	var stats api.TransformStats
	emit := func(ev api.TransformEvent) {
		if req.Events != nil {
			req.Events <- ev
		}
	}

	out, err := run(ctx, t.Cmd, nil, req.Bronze, func(ev event) error {
		switch ev.Event {
		case "progress":
			emit(api.TransformEvent{Progress: &api.Progress{Percent: ev.Percent, Message: ev.Message}})
		case "llm_call":
			emit(api.TransformEvent{LLMCall: &api.LLMCall{
				Model:            ev.Model,
				Purpose:          ev.Purpose,
				PromptTokens:     ev.PromptTokens,
				CompletionTokens: ev.CompletionTokens,
				CostUSD:          ev.CostUSD,
				Duration:         ev.duration(),
			}})
		case "stats":
			stats = api.TransformStats{
				SourceType:       ev.SourceType,
				SystemsCount:     ev.SystemsCount,
				SourcesProcessed: ev.SourcesProcessed,
			}
		}
		return nil
	})
	if err != nil {
		return nil, stats, err
	}

	if req.Enricher != nil {
		enriched, es, err := EnrichSilver(ctx, out, req.Enricher)
		if err != nil {
			return nil, stats, err
		}
		emit(api.TransformEvent{Progress: &api.Progress{
			Percent: 100,
			Message: fmt.Sprintf("AHRI enrichment: %d of %d systems enriched", es.Enriched, es.Candidates),
		}})
		out = enriched
	}
	return out, stats, nil
}

// ExecLoader runs the costbook generator. The title is passed as --title.
type ExecLoader struct {
	Cmd Command
}

func (l ExecLoader) Generate(ctx context.Context, silver []byte, title string) ([]byte, api.LoadStats, error) {
	var stats api.LoadStats
	out, err := run(ctx, l.Cmd, []string{"--title", title}, silver, func(ev event) error {
		if ev.Event == "stats" {
			stats = api.LoadStats{
				SystemsCount:    ev.SystemsCount,
				ComponentsCount: ev.ComponentsCount,
				RowCount:        ev.RowCount,
			}
		}
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	return out, stats, nil
}
