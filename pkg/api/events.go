package api

import "time"

// EventKind identifies a lineage event.
type EventKind string

const (
	EventStageStart   EventKind = "stage-start"
	EventStageEnd     EventKind = "stage-end"
	EventLLMCall      EventKind = "llm-call"
	EventError        EventKind = "error"
	EventCancellation EventKind = "cancellation"
)

// LineageEvent is one entry of a job's append-only audit trail.
// Seq starts at 1 and increases by one per event of the same job.
type LineageEvent struct {
	JobID   string         `json:"job_id"`
	Seq     int64          `json:"seq"`
	At      time.Time      `json:"at"`
	Kind    EventKind      `json:"kind"`
	Stage   string         `json:"stage,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// LLMUsage aggregates the llm-call events of a job.
type LLMUsage struct {
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// SummarizeLLMUsage folds the llm-call events in events.
func SummarizeLLMUsage(events []LineageEvent) LLMUsage {
	var u LLMUsage
	for _, ev := range events {
		if ev.Kind != EventLLMCall {
			continue
		}
		u.Calls++
		p := payloadInt(ev.Payload, "prompt_tokens")
		c := payloadInt(ev.Payload, "completion_tokens")
		u.PromptTokens += p
		u.CompletionTokens += c
		u.TotalTokens += p + c
		u.CostUSD += payloadFloat(ev.Payload, "cost_usd")
	}
	return u
}

// Payloads round-trip through JSON (or BSON) in the durable recorders, so
// numbers come back as float64, int32 or int64.
func payloadInt(p map[string]any, key string) int {
	return int(payloadFloat(p, key))
}

func payloadFloat(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case float32:
		return float64(v)
	}
	return 0
}
