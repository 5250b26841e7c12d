package api

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusStage1     Status = "stage1"
	StatusStage2     Status = "stage2"
	StatusStage3     Status = "stage3"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusStage1,
	StatusStage2,
	StatusStage3,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// ActiveStatuses are the statuses of a job that a worker is executing.
var ActiveStatuses = []Status{StatusProcessing, StatusStage1, StatusStage2, StatusStage3}

// TerminalStatuses are the statuses from which no transition is possible.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusStage1, StatusFailed},
	StatusStage1:     {StatusStage2, StatusFailed},
	StatusStage2:     {StatusStage3, StatusFailed},
	StatusStage3:     {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a worker owns a job in status s.
func (s Status) IsActive() bool {
	switch s {
	case StatusProcessing, StatusStage1, StatusStage2, StatusStage3:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", Validationf("unknown job status %q", v)
	}
	return s, nil
}

// Stage names an artifact slot of a job.
type Stage string

const (
	StageInput  Stage = "input"
	StageBronze Stage = "bronze"
	StageSilver Stage = "silver"
	StageGold   Stage = "gold"
)

// Stages lists artifact stages in production order.
var Stages = []Stage{StageInput, StageBronze, StageSilver, StageGold}

// Valid reports whether st is a known artifact stage.
func (st Stage) Valid() bool {
	switch st {
	case StageInput, StageBronze, StageSilver, StageGold:
		return true
	}
	return false
}

// ParseStage parses an artifact stage name.
func ParseStage(v string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(v)))
	if !st.Valid() {
		return "", Validationf("unknown artifact stage %q", v)
	}
	return st, nil
}

// DefaultCostbookTitle is used when a submission does not name the costbook.
const DefaultCostbookTitle = "WinSupply"

// JobConfig is the per-job configuration captured at submission. It never
// changes afterwards.
type JobConfig struct {
	CostbookTitle    string `json:"costbook_title"`
	EnableEnrichment bool   `json:"enable_ahri_enrichment"`
}

// Progress is the human-facing progress indicator of a job.
type Progress struct {
	Stage   string `json:"current_stage"`
	Percent int    `json:"stage_progress"`
	Message string `json:"message"`
}

// InputDescriptor describes the submitted catalog. Source is "upload" or
// the URL or s3:// locator it was fetched from.
type InputDescriptor struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256,omitempty"`
	Source   string `json:"source,omitempty"`
}

// ResultStats summarizes a completed pipeline run.
type ResultStats struct {
	SourceType       string  `json:"source_type,omitempty"`
	SystemsCount     int     `json:"systems_count"`
	ComponentsCount  int     `json:"components_count"`
	RowCount         int     `json:"row_count"`
	SourcesProcessed int     `json:"sources_processed"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	LLMCalls         int     `json:"llm_calls"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// ResultDescriptor describes the gold artifact of a completed job.
type ResultDescriptor struct {
	OutputFilename string      `json:"output_file"`
	Stats          ResultStats `json:"stats"`
}

// Job is the unit of work tracked by the orchestrator.
type Job struct {
	ID          string
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Progress    Progress
	Error       string
	Input       InputDescriptor
	Result      *ResultDescriptor
	Config      JobConfig
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	return &cp
}

// OutputFilename derives the gold artifact name from the input name.
func OutputFilename(input string) string {
	return stem(input) + "_costbook.xlsx"
}

// ArtifactFilename returns the download name of an artifact of j.
func (j *Job) ArtifactFilename(st Stage) string {
	switch st {
	case StageInput:
		return j.Input.Filename
	case StageGold:
		if j.Result != nil && j.Result.OutputFilename != "" {
			return j.Result.OutputFilename
		}
		return OutputFilename(j.Input.Filename)
	default:
		return stem(j.Input.Filename) + "_" + string(st) + ".json"
	}
}

func stem(name string) string {
	base := name
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	if base == "" {
		base = "catalog"
	}
	return base
}
