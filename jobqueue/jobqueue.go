// Package jobqueue implements the durable extraction-job queue on SQLite
// with visibility-timeout semantics.
//
// A claimed job is invisible for the configured duration; if its worker
// crashes or stalls past the timeout the job reappears and another worker
// claims it. "At most one active job per document" is a partial unique
// index, not worker-side locking, so it holds even when duplicate enqueue
// requests race across processes.
//
// Retry policy lives here, not in the orchestrator: a failing attempt is
// re-queued with exponential backoff until attempt_count reaches the cap,
// after which the job is terminally failed and only an explicit Enqueue
// starts over.
package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/propknow/propknow/idgen"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrAlreadyQueued is returned when the document already has an active job.
var ErrAlreadyQueued = errors.New("jobqueue: document already has an active job")

// ErrNotFound is returned for unknown job or document ids.
var ErrNotFound = errors.New("jobqueue: job not found")

// Job is one unit of extraction work queued against a document.
type Job struct {
	ID           string     `json:"id"`
	DocumentID   string     `json:"document_id"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
	QueuedAt     time.Time  `json:"queued_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// Config configures the queue.
type Config struct {
	// Visibility is how long a claimed job stays invisible. Default: 2m.
	Visibility time.Duration

	// PollInterval is the delay between claim attempts in Run. Default: 1s.
	PollInterval time.Duration

	// MaxAttempts caps delivery attempts before terminal failure. Default: 3.
	MaxAttempts int

	// JobTimeout is the wall-clock budget per attempt. Default: 90s.
	JobTimeout time.Duration

	// RetryBackoff is the base delay before a failed attempt reappears;
	// attempt n waits RetryBackoff * 2^(n-1). Default: 5s.
	RetryBackoff time.Duration

	// Concurrency bounds parallel handlers in Run. Default: 4.
	Concurrency int

	// NewID generates job IDs. Default: idgen "job_" UUIDv7.
	NewID idgen.Generator

	// Logger for queue events. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Visibility <= 0 {
		c.Visibility = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 90 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("job_", idgen.Default)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS extraction_jobs (
    id             TEXT PRIMARY KEY,
    document_id    TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    attempt_count  INTEGER NOT NULL DEFAULT 0,
    max_attempts   INTEGER NOT NULL DEFAULT 3,
    error_detail   TEXT,
    visible_at     INTEGER NOT NULL DEFAULT 0,
    queued_at      INTEGER NOT NULL,
    processed_at   INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_doc
    ON extraction_jobs(document_id) WHERE status IN ('pending', 'processing');
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON extraction_jobs(status, visible_at);
`

// Queue is the queue handle.
type Queue struct {
	db  *sql.DB
	cfg Config
}

// New initialises the schema and returns a Queue.
func New(db *sql.DB, cfg Config) (*Queue, error) {
	cfg.defaults()
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("jobqueue: init schema: %w", err)
	}
	return &Queue{db: db, cfg: cfg}, nil
}

// Enqueue creates exactly one job for the document. If an active
// (pending or processing) job already exists, ErrAlreadyQueued is returned
// and nothing is written.
func (q *Queue) Enqueue(ctx context.Context, documentID string) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:          q.cfg.NewID(),
		DocumentID:  documentID,
		Status:      StatusPending,
		MaxAttempts: q.cfg.MaxAttempts,
		QueuedAt:    now.UTC(),
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO extraction_jobs (id, document_id, status, max_attempts, visible_at, queued_at)
		VALUES (?, ?, 'pending', ?, ?, ?)`,
		job.ID, documentID, q.cfg.MaxAttempts, now.UnixMilli(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyQueued, documentID)
		}
		return nil, fmt.Errorf("jobqueue: enqueue: %w", err)
	}

	q.cfg.Logger.Info("job enqueued", "job_id", job.ID, "document_id", documentID)
	return job, nil
}

// Claim atomically picks the oldest visible job, marks it processing, bumps
// its attempt count, and hides it for the visibility window. Returns
// nil, nil when nothing is claimable. Jobs stuck processing past their
// visibility window are redelivered here.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.cfg.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE extraction_jobs
		SET status = 'processing', visible_at = ?, attempt_count = attempt_count + 1
		WHERE id = (
			SELECT id FROM extraction_jobs
			WHERE status IN ('pending', 'processing') AND visible_at <= ?
			ORDER BY queued_at ASC
			LIMIT 1
		)
		RETURNING id, document_id, status, attempt_count, max_attempts,
		          COALESCE(error_detail, ''), queued_at, processed_at`,
		hideUntil, now.UnixMilli())

	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

// Complete marks a job completed.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE extraction_jobs
		SET status = 'completed', error_detail = NULL, processed_at = ?
		WHERE id = ?`,
		time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("jobqueue: complete: %w", err)
	}
	return nil
}

// Fail records a failed attempt. While attempts remain the job goes back to
// pending with exponential backoff; otherwise it fails terminally and stays
// failed until an explicit Enqueue creates a fresh job.
func (q *Queue) Fail(ctx context.Context, jobID, errDetail string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	if job.AttemptCount >= job.MaxAttempts {
		_, err = q.db.ExecContext(ctx, `
			UPDATE extraction_jobs
			SET status = 'failed', error_detail = ?, processed_at = ?
			WHERE id = ?`,
			errDetail, now.Unix(), jobID)
		if err != nil {
			return fmt.Errorf("jobqueue: fail: %w", err)
		}
		q.cfg.Logger.Warn("job failed terminally",
			"job_id", jobID, "document_id", job.DocumentID,
			"attempts", job.AttemptCount, "error", errDetail)
		return nil
	}

	delay := q.backoff(job.AttemptCount)
	_, err = q.db.ExecContext(ctx, `
		UPDATE extraction_jobs
		SET status = 'pending', error_detail = ?, visible_at = ?
		WHERE id = ?`,
		errDetail, now.Add(delay).UnixMilli(), jobID)
	if err != nil {
		return fmt.Errorf("jobqueue: requeue: %w", err)
	}
	q.cfg.Logger.Info("job requeued with backoff",
		"job_id", jobID, "attempt", job.AttemptCount, "delay", delay, "error", errDetail)
	return nil
}

// backoff returns RetryBackoff * 2^(attempt-1).
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	return scanJob(q.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, jobID))
}

// LatestForDocument returns the most recently queued job for a document —
// the row upload callers poll for status.
func (q *Queue) LatestForDocument(ctx context.Context, documentID string) (*Job, error) {
	return scanJob(q.db.QueryRowContext(ctx,
		selectJob+` WHERE document_id = ? ORDER BY queued_at DESC, id DESC LIMIT 1`,
		documentID))
}

// Handler processes one claimed job. A context.DeadlineExceeded error is
// recorded as error_detail "timeout".
type Handler func(ctx context.Context, job *Job) error

// Run polls for claimable jobs and processes them with bounded concurrency.
// It blocks until ctx is cancelled, draining in-flight handlers.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	log := q.cfg.Logger
	log.Info("jobqueue: consumer started",
		"concurrency", q.cfg.Concurrency, "visibility", q.cfg.Visibility,
		"poll", q.cfg.PollInterval, "job_timeout", q.cfg.JobTimeout)

	sem := make(chan struct{}, q.cfg.Concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("jobqueue: consumer stopping, draining in-flight handlers")
			wg.Wait()
			log.Info("jobqueue: consumer stopped")
			return
		case <-ticker.C:
			for {
				job, err := q.Claim(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn("jobqueue: claim failed", "error", err)
					}
					break
				}
				if job == nil {
					break
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					wg.Wait()
					return
				}

				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()
					q.process(ctx, j, handler)
				}(job)
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, job *Job, handler Handler) {
	jctx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()

	err := handler(jctx, job)
	// Status updates use the parent context: the attempt's budget being
	// spent must not prevent recording the outcome.
	if err == nil {
		if cerr := q.Complete(ctx, job.ID); cerr != nil {
			q.cfg.Logger.Error("jobqueue: record completion", "job_id", job.ID, "error", cerr)
		}
		return
	}

	detail := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		detail = "timeout"
	}
	if ferr := q.Fail(ctx, job.ID, detail); ferr != nil {
		q.cfg.Logger.Error("jobqueue: record failure", "job_id", job.ID, "error", ferr)
	}
}

const selectJob = `
	SELECT id, document_id, status, attempt_count, max_attempts,
	       COALESCE(error_detail, ''), queued_at, processed_at
	FROM extraction_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var queued int64
	var processed sql.NullInt64

	err := row.Scan(&j.ID, &j.DocumentID, &j.Status, &j.AttemptCount,
		&j.MaxAttempts, &j.ErrorDetail, &queued, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: scan job: %w", err)
	}

	j.QueuedAt = time.Unix(queued, 0).UTC()
	if processed.Valid {
		t := time.Unix(processed.Int64, 0).UTC()
		j.ProcessedAt = &t
	}
	return &j, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
