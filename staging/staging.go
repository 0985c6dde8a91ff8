// Package staging holds extractor output for human review and materializes
// accepted values into domain records.
//
// Assertions are immutable once written; re-extraction or a new document
// version supersedes them instead of overwriting. Commit captures a
// per-row snapshot before writing so a commit can be rolled back later,
// guarded by a per-row version counter against clobbering an intervening
// commit's work.
package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/propknow/propknow/idgen"
)

// Batch statuses.
const (
	BatchPendingReview = "pending_review"
	BatchCommitted     = "committed"
	BatchDiscarded     = "discarded"
	BatchSuperseded    = "superseded"
)

// Assertion is one structured fact produced by an extractor.
type Assertion struct {
	ID              string     `json:"id"`
	BatchID         string     `json:"batch_id"`
	DocumentID      string     `json:"document_id"`
	DocumentVersion int        `json:"document_version"`
	FieldPath       string     `json:"field_path"`
	Value           string     `json:"value"`
	Confidence      float64    `json:"confidence"`
	SourceSpan      string     `json:"source_span,omitempty"`
	ExtractorName   string     `json:"extractor_name"`
	SupersededAt    *time.Time `json:"superseded_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Warning is one structured validation finding attached to a batch.
type Warning struct {
	Rule      string `json:"rule"`
	FieldPath string `json:"field_path,omitempty"`
	Message   string `json:"message"`
}

// Batch groups the assertions from one extraction job for review.
type Batch struct {
	ID              string      `json:"id"`
	DocumentID      string      `json:"document_id"`
	DocumentVersion int         `json:"document_version"`
	ProjectID       string      `json:"project_id"`
	JobID           string      `json:"job_id,omitempty"`
	Status          string      `json:"status"`
	Warnings        []Warning   `json:"validation_warnings"`
	Assertions      []Assertion `json:"assertions,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Locker is the per-document advisory lock shared with the content store,
// serializing commit against create_version on the same document.
type Locker interface {
	AcquireLock(ctx context.Context, documentID, holder string) error
	ReleaseLock(ctx context.Context, documentID string)
}

// Config configures the staging store.
type Config struct {
	// FieldMap routes field paths to domain tables. Default: DefaultFieldMap.
	FieldMap *FieldMap

	// Locker serializes commits per document. Required.
	Locker Locker

	// NewBatchID, NewAssertionID, NewCommitID generate ids.
	// Defaults: "stb_", "ast_", "cmt_" UUIDv7.
	NewBatchID     idgen.Generator
	NewAssertionID idgen.Generator
	NewCommitID    idgen.Generator

	// Logger for commit/rollback events. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.FieldMap == nil {
		c.FieldMap = DefaultFieldMap()
	}
	if c.NewBatchID == nil {
		c.NewBatchID = idgen.Prefixed("stb_", idgen.Default)
	}
	if c.NewAssertionID == nil {
		c.NewAssertionID = idgen.Prefixed("ast_", idgen.Default)
	}
	if c.NewCommitID == nil {
		c.NewCommitID = idgen.Prefixed("cmt_", idgen.Default)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS staging_batches (
    id                   TEXT PRIMARY KEY,
    document_id          TEXT NOT NULL,
    document_version     INTEGER NOT NULL,
    project_id           TEXT NOT NULL,
    job_id               TEXT,
    status               TEXT NOT NULL DEFAULT 'pending_review',
    validation_warnings  TEXT NOT NULL DEFAULT '[]',
    created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batches_document ON staging_batches(document_id);

CREATE TABLE IF NOT EXISTS assertions (
    id                TEXT PRIMARY KEY,
    batch_id          TEXT NOT NULL REFERENCES staging_batches(id),
    document_id       TEXT NOT NULL,
    document_version  INTEGER NOT NULL,
    field_path        TEXT NOT NULL,
    value             TEXT NOT NULL,
    confidence        REAL NOT NULL,
    source_span       TEXT,
    extractor_name    TEXT NOT NULL,
    superseded_at     INTEGER,
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assertions_batch ON assertions(batch_id);

CREATE TABLE IF NOT EXISTS commits (
    id              TEXT PRIMARY KEY,
    batch_id        TEXT NOT NULL REFERENCES staging_batches(id),
    document_id     TEXT NOT NULL,
    committed_at    INTEGER NOT NULL,
    rolled_back_at  INTEGER
);

CREATE TABLE IF NOT EXISTS commit_snapshots (
    commit_id         TEXT NOT NULL REFERENCES commits(id),
    seq               INTEGER NOT NULL,
    table_name        TEXT NOT NULL,
    project_id        TEXT NOT NULL,
    row_key           TEXT NOT NULL,
    pre_row           TEXT,
    post_row_version  INTEGER NOT NULL,
    PRIMARY KEY (commit_id, seq)
);

CREATE TABLE IF NOT EXISTS units (
    project_id   TEXT NOT NULL,
    unit_no      TEXT NOT NULL,
    tenant       TEXT,
    rent         REAL,
    status       TEXT,
    lease_start  TEXT,
    lease_end    TEXT,
    sqft         REAL,
    row_version  INTEGER NOT NULL DEFAULT 1,
    updated_at   INTEGER NOT NULL,
    PRIMARY KEY (project_id, unit_no)
);

CREATE TABLE IF NOT EXISTS expenses (
    project_id     TEXT NOT NULL,
    category       TEXT NOT NULL,
    annual_amount  REAL,
    row_version    INTEGER NOT NULL DEFAULT 1,
    updated_at     INTEGER NOT NULL,
    PRIMARY KEY (project_id, category)
);

CREATE TABLE IF NOT EXISTS property_facts (
    project_id   TEXT NOT NULL,
    field        TEXT NOT NULL,
    value        TEXT,
    row_version  INTEGER NOT NULL DEFAULT 1,
    updated_at   INTEGER NOT NULL,
    PRIMARY KEY (project_id, field)
);
`

// Store is the staging and commit engine handle.
type Store struct {
	db  *sql.DB
	cfg Config
}

// New initialises the schema and returns a Store.
func New(db *sql.DB, cfg Config) (*Store, error) {
	cfg.defaults()
	if cfg.Locker == nil {
		return nil, errors.New("staging: Config.Locker is required")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("staging: init schema: %w", err)
	}
	return &Store{db: db, cfg: cfg}, nil
}

// CreateBatch writes a new pending-review batch with its assertions.
// Any earlier pending batch for the same document is superseded along with
// its assertions, so exactly one batch per document awaits review.
func (s *Store) CreateBatch(ctx context.Context, b *Batch, asserts []Assertion) (*Batch, error) {
	now := time.Now().UTC()
	b.ID = s.cfg.NewBatchID()
	b.Status = BatchPendingReview
	b.CreatedAt = now
	if b.Warnings == nil {
		b.Warnings = []Warning{}
	}

	warnJSON, err := json.Marshal(b.Warnings)
	if err != nil {
		return nil, fmt.Errorf("staging: encode warnings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("staging: begin: %w", err)
	}
	defer tx.Rollback()

	if err := supersedeDocumentTx(ctx, tx, b.DocumentID, now.Unix()); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO staging_batches (id, document_id, document_version, project_id,
			job_id, status, validation_warnings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.DocumentID, b.DocumentVersion, b.ProjectID,
		nullable(b.JobID), b.Status, string(warnJSON), now.Unix()); err != nil {
		return nil, fmt.Errorf("staging: insert batch: %w", err)
	}

	for i := range asserts {
		a := &asserts[i]
		a.ID = s.cfg.NewAssertionID()
		a.BatchID = b.ID
		a.DocumentID = b.DocumentID
		a.DocumentVersion = b.DocumentVersion
		a.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assertions (id, batch_id, document_id, document_version,
				field_path, value, confidence, source_span, extractor_name, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.BatchID, a.DocumentID, a.DocumentVersion,
			a.FieldPath, a.Value, a.Confidence, nullable(a.SourceSpan),
			a.ExtractorName, now.Unix()); err != nil {
			return nil, fmt.Errorf("staging: insert assertion: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("staging: commit: %w", err)
	}

	b.Assertions = asserts
	s.cfg.Logger.Info("staging batch created",
		"batch_id", b.ID, "document_id", b.DocumentID,
		"assertions", len(asserts), "warnings", len(b.Warnings))
	return b, nil
}

// Review returns a batch with its live (non-superseded) assertions and
// validation warnings. Pure read.
func (s *Store) Review(ctx context.Context, batchID string) (*Batch, error) {
	b, err := s.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := s.loadAssertions(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// LatestForDocument returns the most recent batch for a document, with
// assertions loaded.
func (s *Store) LatestForDocument(ctx context.Context, documentID string) (*Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx,
		selectBatch+` WHERE document_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		documentID))
	if err != nil {
		return nil, err
	}
	if err := s.loadAssertions(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Discard marks a pending batch discarded. No domain writes.
func (s *Store) Discard(ctx context.Context, batchID string) error {
	b, err := s.getBatch(ctx, batchID)
	if err != nil {
		return err
	}
	switch b.Status {
	case BatchCommitted:
		return fmt.Errorf("%w: %s", ErrAlreadyCommitted, batchID)
	case BatchDiscarded, BatchSuperseded:
		return fmt.Errorf("%w: %s is %s", ErrBatchClosed, batchID, b.Status)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE staging_batches SET status = 'discarded' WHERE id = ?`, batchID); err != nil {
		return fmt.Errorf("staging: discard: %w", err)
	}
	s.cfg.Logger.Info("staging batch discarded", "batch_id", batchID, "document_id", b.DocumentID)
	return nil
}

// SupersedeDocument marks the document's pending batches and their
// assertions superseded. Runs inside the content store's CreateVersion
// transaction.
func (s *Store) SupersedeDocument(ctx context.Context, tx *sql.Tx, documentID string) error {
	return supersedeDocumentTx(ctx, tx, documentID, time.Now().UTC().Unix())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func supersedeDocumentTx(ctx context.Context, tx execer, documentID string, now int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE assertions SET superseded_at = ?
		WHERE superseded_at IS NULL AND batch_id IN (
			SELECT id FROM staging_batches WHERE document_id = ? AND status = 'pending_review'
		)`, now, documentID); err != nil {
		return fmt.Errorf("staging: supersede assertions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE staging_batches SET status = 'superseded'
		WHERE document_id = ? AND status = 'pending_review'`, documentID); err != nil {
		return fmt.Errorf("staging: supersede batches: %w", err)
	}
	return nil
}

const selectBatch = `
	SELECT id, document_id, document_version, project_id, job_id, status,
	       validation_warnings, created_at
	FROM staging_batches`

func (s *Store) getBatch(ctx context.Context, batchID string) (*Batch, error) {
	return scanBatch(s.db.QueryRowContext(ctx, selectBatch+` WHERE id = ?`, batchID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*Batch, error) {
	var b Batch
	var jobID sql.NullString
	var warnJSON string
	var created int64

	err := row.Scan(&b.ID, &b.DocumentID, &b.DocumentVersion, &b.ProjectID,
		&jobID, &b.Status, &warnJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("staging: scan batch: %w", err)
	}

	b.JobID = jobID.String
	b.CreatedAt = time.Unix(created, 0).UTC()
	if err := json.Unmarshal([]byte(warnJSON), &b.Warnings); err != nil {
		return nil, fmt.Errorf("staging: decode warnings: %w", err)
	}
	return &b, nil
}

func (s *Store) loadAssertions(ctx context.Context, b *Batch) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, document_id, document_version, field_path, value,
		       confidence, COALESCE(source_span, ''), extractor_name, superseded_at, created_at
		FROM assertions
		WHERE batch_id = ? AND superseded_at IS NULL
		ORDER BY field_path`, b.ID)
	if err != nil {
		return fmt.Errorf("staging: load assertions: %w", err)
	}
	defer rows.Close()

	b.Assertions = nil
	for rows.Next() {
		var a Assertion
		var superseded sql.NullInt64
		var created int64
		if err := rows.Scan(&a.ID, &a.BatchID, &a.DocumentID, &a.DocumentVersion,
			&a.FieldPath, &a.Value, &a.Confidence, &a.SourceSpan,
			&a.ExtractorName, &superseded, &created); err != nil {
			return fmt.Errorf("staging: scan assertion: %w", err)
		}
		if superseded.Valid {
			t := time.Unix(superseded.Int64, 0).UTC()
			a.SupersededAt = &t
		}
		a.CreatedAt = time.Unix(created, 0).UTC()
		b.Assertions = append(b.Assertions, a)
	}
	return rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
