package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/costbook/pkg/api"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name   string
	schema []string
	// numbered placeholders ($1, $2, ...) instead of '?'
	numbered bool
}

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// SQLJobStore is a JobStore on database/sql. Use NewSQLiteJobStore or
// NewPostgresJobStore to construct one.
type SQLJobStore struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

// Ensure SQLJobStore implements JobStore.
var _ JobStore = (*SQLJobStore)(nil)

func newSQLJobStore(db *sql.DB, d dialect) (*SQLJobStore, error) {
	s := &SQLJobStore{db: db, d: d, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLJobStore) initSchema() error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return api.StorageError(s.d.name+": init job schema", err)
		}
	}
	return nil
}

const jobColumns = `id, status, created_at, started_at, completed_at,
	progress_stage, progress_percent, progress_message, error,
	input_filename, input_size, input_sha256, input_source,
	output_filename, result_stats, costbook_title, enable_enrichment`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*api.Job, error) {
	var (
		job         api.Job
		status      string
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		outputName  string
		stats       string
	)
	err := row.Scan(
		&job.ID, &status, &createdAt, &startedAt, &completedAt,
		&job.Progress.Stage, &job.Progress.Percent, &job.Progress.Message, &job.Error,
		&job.Input.Filename, &job.Input.Size, &job.Input.SHA256, &job.Input.Source,
		&outputName, &stats, &job.Config.CostbookTitle, &job.Config.EnableEnrichment,
	)
	if err != nil {
		return nil, err
	}
	job.Status = api.Status(status)
	job.CreatedAt = time.Unix(0, createdAt)
	job.StartedAt = nullTime(startedAt)
	job.CompletedAt = nullTime(completedAt)
	if outputName != "" {
		res := &api.ResultDescriptor{OutputFilename: outputName}
		if err := decodeJSON(stats, &res.Stats); err != nil {
			return nil, err
		}
		job.Result = res
	}
	return &job, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []api.Status) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

func (s *SQLJobStore) Create(ctx context.Context, id string, cfg api.JobConfig, input api.InputDescriptor) (*api.Job, error) {
	job := NewJob(id, cfg, input, s.now())
	_, err := s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO jobs (id, status, created_at, progress_stage, progress_percent, progress_message,
			input_filename, input_size, input_sha256, input_source, costbook_title, enable_enrichment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID,
		string(job.Status),
		job.CreatedAt.UnixNano(),
		job.Progress.Stage,
		job.Progress.Percent,
		job.Progress.Message,
		input.Filename,
		input.Size,
		input.SHA256,
		input.Source,
		cfg.CostbookTitle,
		cfg.EnableEnrichment,
	)
	if err != nil {
		return nil, api.StorageError("create job", err)
	}
	return job, nil
}

func (s *SQLJobStore) Get(ctx context.Context, id string) (*api.Job, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, api.StorageError("get job", err)
	}
	return job, nil
}

func (s *SQLJobStore) List(ctx context.Context, filter ListFilter) ([]*api.Job, int, error) {
	where := ""
	var args []any
	if len(filter.Statuses) > 0 {
		where = ` WHERE status IN (` + placeholders(len(filter.Statuses)) + `)`
		args = statusArgs(filter.Statuses)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(*) FROM jobs`+where), args...).Scan(&total); err != nil {
		return nil, 0, api.StorageError("count jobs", err)
	}

	q := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.PageSize > 0 {
		page := max(filter.Page, 1)
		q += ` LIMIT ? OFFSET ?`
		args = append(args, filter.PageSize, (page-1)*filter.PageSize)
	}
	jobs, err := s.queryJobs(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *SQLJobStore) queryJobs(ctx context.Context, q string, args ...any) ([]*api.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, api.StorageError("list jobs", err)
	}
	defer rows.Close()

	out := []*api.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, api.StorageError("scan job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, api.StorageError("list jobs", err)
	}
	return out, nil
}

func (s *SQLJobStore) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT id FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`), string(api.StatusPending), limit)
	if err != nil {
		return nil, api.StorageError("list pending jobs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, api.StorageError("scan pending job", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, api.StorageError("list pending jobs", err)
	}
	return ids, nil
}

// Transition is a single conditional UPDATE ... RETURNING. The status
// predicate in the WHERE clause makes concurrent claims and cancels mutually
// exclusive without a transaction.
func (s *SQLJobStore) Transition(ctx context.Context, id string, from []api.Status, to api.Status, upd Update) (*api.Job, error) {
	sources := legalSources(from, to)
	if len(sources) == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, conflictFor(id, current.Status, to)
	}

	sets := []string{"status = ?"}
	args := []any{string(to)}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, upd.StartedAt.UnixNano())
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, upd.CompletedAt.UnixNano())
	}
	if upd.Progress != nil {
		sets = append(sets, "progress_stage = ?", "progress_percent = ?", "progress_message = ?")
		args = append(args, upd.Progress.Stage, upd.Progress.Percent, upd.Progress.Message)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.Result != nil {
		stats, err := encodeJSON(upd.Result.Stats)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "output_filename = ?", "result_stats = ?")
		args = append(args, upd.Result.OutputFilename, stats)
	}

	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(sources)) + `)` +
		` RETURNING ` + jobColumns
	args = append(args, id)
	args = append(args, statusArgs(sources)...)

	job, err := scanJob(s.db.QueryRowContext(ctx, s.d.rebind(q), args...))
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, conflictFor(id, current.Status, to)
	}
	if err != nil {
		return nil, api.StorageError("transition job", err)
	}
	return job, nil
}

func (s *SQLJobStore) UpdateProgress(ctx context.Context, id string, status api.Status, p api.Progress) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`
		UPDATE jobs SET progress_stage = ?, progress_percent = ?, progress_message = ?
		WHERE id = ? AND status = ?`),
		p.Stage, p.Percent, p.Message, id, string(status))
	if err != nil {
		return api.StorageError("update progress", err)
	}
	return s.checkAffected(ctx, res, id, func(current api.Status) error {
		return api.Conflictf("job %s is %s, not %s", id, current, status)
	})
}

func (s *SQLJobStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM jobs WHERE id = ? AND status IN (?, ?, ?)`),
		append([]any{id}, statusArgs(api.TerminalStatuses)...)...)
	if err != nil {
		return api.StorageError("delete job", err)
	}
	return s.checkAffected(ctx, res, id, func(current api.Status) error {
		return api.Conflictf("job %s is %s; only finished jobs can be deleted", id, current)
	})
}

// checkAffected turns a zero-row conditional write into NotFound or the
// conflict built by onConflict.
func (s *SQLJobStore) checkAffected(ctx context.Context, res sql.Result, id string, onConflict func(api.Status) error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return api.StorageError("rows affected", err)
	}
	if n > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return onConflict(current.Status)
}

func (s *SQLJobStore) ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*api.Job, error) {
	args := append(statusArgs(api.TerminalStatuses), cutoff.UnixNano())
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
		ORDER BY completed_at ASC`, args...)
}

func (s *SQLJobStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return api.StorageError(s.d.name+": ping", err)
	}
	return nil
}
