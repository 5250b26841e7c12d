package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/petrijr/costbook"
	"github.com/petrijr/costbook/pkg/api"
)

// multipartOverhead is the body allowance on top of MaxUploadBytes for
// boundaries, headers and the small form fields.
const multipartOverhead = 1 << 20

type submitResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

// submitJob handles POST /api/v1/jobs (multipart: file, or url, or s3_bucket
// and s3_key; plus costbook_title and enable_ahri_enrichment).
func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, err)
			return
		}
		h.writeError(w, r, api.Validationf("invalid multipart form: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := costbook.SubmitRequest{
		CostbookTitle: r.FormValue("costbook_title"),
		Source: api.InputRef{
			URL:    r.FormValue("url"),
			Bucket: r.FormValue("s3_bucket"),
			Key:    r.FormValue("s3_key"),
		},
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		req.Filename = header.Filename
		if req.Data, err = io.ReadAll(io.LimitReader(file, h.maxUpload+1)); err != nil {
			h.writeError(w, r, err)
			return
		}
	case errors.Is(err, http.ErrMissingFile):
		if req.Source.Kind() == "" {
			h.writeError(w, r, api.Validationf("must provide a file upload, a URL, or an S3 bucket and key"))
			return
		}
	default:
		h.writeError(w, r, api.Validationf("invalid file upload: %v", err))
		return
	}

	enrich := false
	if v := strings.TrimSpace(r.FormValue("enable_ahri_enrichment")); v != "" {
		enrich, err = strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, api.Validationf("enable_ahri_enrichment must be a boolean"))
			return
		}
	}

	req.EnableEnrichment = enrich
	job, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt,
		Message:   "Job queued for processing",
	})
}

type resultView struct {
	OutputFile  string          `json:"output_file"`
	DownloadURL string          `json:"download_url"`
	Stats       api.ResultStats `json:"stats"`
}

type jobView struct {
	JobID       string       `json:"job_id"`
	Status      string       `json:"status"`
	Progress    api.Progress `json:"progress"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at"`
	Error       *string      `json:"error"`
	Result      *resultView  `json:"result"`
}

func newJobView(job *costbook.Job) jobView {
	v := jobView{
		JobID:       job.ID,
		Status:      string(job.Status),
		Progress:    job.Progress,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Status == api.StatusFailed {
		msg := job.Error
		v.Error = &msg
	}
	if job.Status == api.StatusCompleted && job.Result != nil {
		v.Result = &resultView{
			OutputFile:  job.Result.OutputFilename,
			DownloadURL: "/api/v1/jobs/" + job.ID + "/download",
			Stats:       job.Result.Stats,
		}
	}
	return v
}

// getJob handles GET /api/v1/jobs/{id}.
func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

type jobSummary struct {
	JobID         string     `json:"job_id"`
	Status        string     `json:"status"`
	InputFilename string     `json:"input_filename"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

type listResponse struct {
	Jobs     []jobSummary `json:"jobs"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

// listJobs handles GET /api/v1/jobs?page=&page_size=&status=.
func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := costbook.ListOptions{}

	var err error
	if opts.Page, err = intParam(q.Get("page"), 1); err != nil || opts.Page < 1 {
		h.writeError(w, r, api.Validationf("page must be a positive integer"))
		return
	}
	if opts.PageSize, err = intParam(q.Get("page_size"), costbook.DefaultPageSize); err != nil || opts.PageSize < 1 {
		h.writeError(w, r, api.Validationf("page_size must be a positive integer"))
		return
	}
	if s := q.Get("status"); s != "" {
		status, err := api.ParseStatus(s)
		if err != nil {
			h.writeError(w, r, api.Validationf("invalid status: %s", s))
			return
		}
		opts.Status = []costbook.Status{status}
	}

	page, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := listResponse{
		Jobs:     make([]jobSummary, 0, len(page.Jobs)),
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	for _, job := range page.Jobs {
		resp.Jobs = append(resp.Jobs, jobSummary{
			JobID:         job.ID,
			Status:        string(job.Status),
			InputFilename: job.Input.Filename,
			CreatedAt:     job.CreatedAt,
			CompletedAt:   job.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// cancelOrDeleteJob handles DELETE /api/v1/jobs/{id}.
func (h *Handler) cancelOrDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	outcome, err := h.svc.CancelOrDelete(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	msg := "Job deleted"
	if outcome == costbook.OutcomeCancelled {
		msg = "Job cancelled"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg, "job_id": id})
}

// downloadResult handles GET /api/v1/jobs/{id}/download.
func (h *Handler) downloadResult(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, mux.Vars(r)["id"], api.StageGold)
}

// downloadArtifact handles GET /api/v1/jobs/{id}/artifacts/{stage}.
func (h *Handler) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	stage, err := api.ParseStage(vars["stage"])
	if err != nil {
		h.writeError(w, r, api.Validationf("invalid stage; use input, bronze, silver or gold"))
		return
	}
	h.serveArtifact(w, r, vars["id"], stage)
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, id string, stage costbook.Stage) {
	dl, err := h.svc.Download(r.Context(), id, stage)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dl.Data)
}

type lineageResponse struct {
	JobID  string                  `json:"job_id"`
	Events []costbook.LineageEvent `json:"events"`
	Usage  costbook.LLMUsage       `json:"llm_usage"`
}

// lineage handles GET /api/v1/jobs/{id}/lineage.
func (h *Handler) lineage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := h.svc.Lineage(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []costbook.LineageEvent{}
	}
	writeJSON(w, http.StatusOK, lineageResponse{
		JobID:  id,
		Events: events,
		Usage:  api.SummarizeLLMUsage(events),
	})
}

// health handles GET /health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        h.version,
		"uptime_seconds": time.Since(h.started).Round(10 * time.Millisecond).Seconds(),
	})
}

// ready handles GET /health/ready.
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "readiness_check_failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// metrics handles GET /metrics.
func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":        h.svc.Metrics(),
		"active_jobs": h.svc.ActiveJobs(),
	})
}
