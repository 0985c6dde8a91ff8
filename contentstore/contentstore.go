// Package contentstore owns the versioned, content-addressable document
// records at the bottom of the ingestion pipeline.
//
// Deduplication happens in exactly one place: Put computes the SHA-256 of
// the raw bytes and refuses to create a second non-superseded document with
// the same (content_hash, project_id). Version chains are singly linked via
// parent_document_id; creating a version atomically supersedes the parent's
// in-flight derived data through registered Superseder hooks.
package contentstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/propknow/propknow/blobstore"
	"github.com/propknow/propknow/idgen"
)

// Document statuses.
const (
	StatusDraft      = "draft"
	StatusProcessing = "processing"
	StatusIndexed    = "indexed"
	StatusFailed     = "failed"
	StatusArchived   = "archived"
)

// Document is an uploaded artifact, one row per version.
type Document struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	ContentHash  string     `json:"content_hash"`
	MIMEType     string     `json:"mime_type"`
	ByteSize     int64      `json:"byte_size"`
	StorageRef   string     `json:"storage_ref"`
	Status       string     `json:"status"`
	VersionNo    int        `json:"version_no"`
	ParentID     string     `json:"parent_document_id,omitempty"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Superseder marks derived data (staging batches, embeddings) of a document
// as superseded. Hooks run inside the CreateVersion transaction so the
// supersession is atomic with the new version row.
type Superseder interface {
	SupersedeDocument(ctx context.Context, tx *sql.Tx, documentID string) error
}

// Config configures the content store.
type Config struct {
	// MaxBytes is the upload size limit. Default: 50 MB.
	MaxBytes int64

	// AllowedMIME lists accepted MIME types. Empty means the caller wires
	// the extractor-supported set at startup.
	AllowedMIME []string

	// NewID generates document IDs. Default: idgen "doc_" UUIDv7.
	NewID idgen.Generator

	// Logger for state transitions. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 50 * 1024 * 1024
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("doc_", idgen.Default)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id                  TEXT PRIMARY KEY,
    project_id          TEXT NOT NULL,
    content_hash        TEXT NOT NULL,
    mime_type           TEXT NOT NULL,
    byte_size           INTEGER NOT NULL,
    storage_ref         TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'draft',
    version_no          INTEGER NOT NULL DEFAULT 1,
    parent_document_id  TEXT REFERENCES documents(id),
    superseded_at       INTEGER,
    created_at          INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_dedup
    ON documents(content_hash, project_id) WHERE superseded_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id);
CREATE INDEX IF NOT EXISTS idx_documents_parent  ON documents(parent_document_id);

CREATE TABLE IF NOT EXISTS document_locks (
    document_id  TEXT PRIMARY KEY,
    holder       TEXT NOT NULL,
    acquired_at  INTEGER NOT NULL
);
`

// Store is the content store handle.
type Store struct {
	db          *sql.DB
	blobs       blobstore.Store
	cfg         Config
	superseders []Superseder
}

// New initialises the schema and returns a Store.
func New(db *sql.DB, blobs blobstore.Store, cfg Config) (*Store, error) {
	cfg.defaults()
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("contentstore: init schema: %w", err)
	}
	return &Store{db: db, blobs: blobs, cfg: cfg}, nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *Store) DB() *sql.DB { return s.db }

// RegisterSuperseder adds a hook run inside CreateVersion's transaction.
func (s *Store) RegisterSuperseder(sup Superseder) {
	s.superseders = append(s.superseders, sup)
}

// HashBytes returns the hex SHA-256 content hash used for dedup.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores an upload. If a non-superseded document with the same content
// hash already exists in the project, the existing record is returned with
// isDuplicate=true and nothing is written.
func (s *Store) Put(ctx context.Context, data []byte, projectID, mimeType string) (*Document, bool, error) {
	if int64(len(data)) > s.cfg.MaxBytes {
		return nil, false, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(data), s.cfg.MaxBytes)
	}
	if !s.mimeAllowed(mimeType) {
		return nil, false, fmt.Errorf("%w: %q", ErrUnsupportedFormat, mimeType)
	}

	hash := HashBytes(data)

	existing, err := s.findByHash(ctx, hash, projectID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.cfg.Logger.Debug("dedup hit", "document_id", existing.ID, "project_id", projectID, "hash", hash)
		return existing, true, nil
	}

	ref, err := s.blobs.Put(ctx, data)
	if err != nil {
		return nil, false, fmt.Errorf("contentstore: store blob: %w", err)
	}

	doc := &Document{
		ID:          s.cfg.NewID(),
		ProjectID:   projectID,
		ContentHash: hash,
		MIMEType:    mimeType,
		ByteSize:    int64(len(data)),
		StorageRef:  ref,
		Status:      StatusDraft,
		VersionNo:   1,
		CreatedAt:   time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, project_id, content_hash, mime_type, byte_size,
			storage_ref, status, version_no, parent_document_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, NULL, ?)`,
		doc.ID, doc.ProjectID, doc.ContentHash, doc.MIMEType, doc.ByteSize,
		doc.StorageRef, doc.Status, doc.CreatedAt.Unix())
	if err != nil {
		// A concurrent upload of the same bytes can land between findByHash
		// and this insert; the dedup index catches it, and the winner's row
		// is the dedup result.
		if isUniqueViolation(err) {
			existing, ferr := s.findByHash(ctx, hash, projectID)
			if ferr == nil && existing != nil {
				s.cfg.Logger.Debug("dedup race resolved", "document_id", existing.ID, "project_id", projectID)
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("contentstore: insert document: %w", err)
	}

	s.cfg.Logger.Info("document created", "document_id", doc.ID, "project_id", projectID, "mime", mimeType, "bytes", doc.ByteSize)
	return doc, false, nil
}

// CreateVersion uploads new bytes as the next version of parentID. The
// parent's in-flight staging batches and embeddings are superseded in the
// same transaction that writes the new version row. Serialized against
// commits on the parent via the per-document advisory lock.
func (s *Store) CreateVersion(ctx context.Context, parentID string, data []byte) (*Document, error) {
	if int64(len(data)) > s.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(data), s.cfg.MaxBytes)
	}

	parent, err := s.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status == StatusArchived {
		return nil, fmt.Errorf("%w: %s", ErrArchived, parentID)
	}
	// Each version has exactly one child; a superseded parent already has
	// its successor and versioning it again would fork the chain.
	if parent.SupersededAt != nil {
		return nil, fmt.Errorf("%w: %s", ErrSuperseded, parentID)
	}

	// Version N's extraction/commit work must finish (or be abandoned)
	// before version N+1 supersedes it.
	if err := s.AcquireLock(ctx, parentID, "create_version"); err != nil {
		return nil, err
	}
	defer s.ReleaseLock(ctx, parentID)

	ref, err := s.blobs.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("contentstore: store blob: %w", err)
	}

	doc := &Document{
		ID:          s.cfg.NewID(),
		ProjectID:   parent.ProjectID,
		ContentHash: HashBytes(data),
		MIMEType:    parent.MIMEType,
		ByteSize:    int64(len(data)),
		StorageRef:  ref,
		Status:      StatusDraft,
		VersionNo:   parent.VersionNo + 1,
		ParentID:    parent.ID,
		CreatedAt:   time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("contentstore: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET superseded_at = ? WHERE id = ? AND superseded_at IS NULL`,
		now, parent.ID); err != nil {
		return nil, fmt.Errorf("contentstore: supersede parent: %w", err)
	}

	for _, sup := range s.superseders {
		if err := sup.SupersedeDocument(ctx, tx, parent.ID); err != nil {
			return nil, fmt.Errorf("contentstore: supersession hook: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, project_id, content_hash, mime_type, byte_size,
			storage_ref, status, version_no, parent_document_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.ProjectID, doc.ContentHash, doc.MIMEType, doc.ByteSize,
		doc.StorageRef, doc.Status, doc.VersionNo, doc.ParentID, doc.CreatedAt.Unix()); err != nil {
		return nil, fmt.Errorf("contentstore: insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("contentstore: commit: %w", err)
	}

	s.cfg.Logger.Info("document version created",
		"document_id", doc.ID, "parent_id", parent.ID, "version_no", doc.VersionNo)
	return doc, nil
}

// Get returns a document by id.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx, selectDocument+` WHERE id = ?`, id))
}

// Bytes loads the raw content of a document from blob storage.
func (s *Store) Bytes(ctx context.Context, doc *Document) ([]byte, error) {
	return s.blobs.Get(ctx, doc.StorageRef)
}

// SetStatus transitions a document's lifecycle status.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("contentstore: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.cfg.Logger.Debug("document status", "document_id", id, "status", status)
	return nil
}

// VersionChain returns every version of the chain containing id, ordered
// oldest to newest. The first record has no parent; every later record's
// parent is the previous record.
func (s *Store) VersionChain(ctx context.Context, id string) ([]*Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Walk up to the root.
	root := doc
	for root.ParentID != "" {
		root, err = s.Get(ctx, root.ParentID)
		if err != nil {
			return nil, err
		}
	}

	// Walk down: each version has at most one child.
	chain := []*Document{root}
	cur := root
	for {
		next, err := scanDocument(s.db.QueryRowContext(ctx,
			selectDocument+` WHERE parent_document_id = ?`, cur.ID))
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

// AcquireLock takes the per-document advisory lock, shared between
// CreateVersion and the commit engine. Returns ErrLockHeld when taken.
func (s *Store) AcquireLock(ctx context.Context, documentID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_locks (document_id, holder, acquired_at) VALUES (?, ?, ?)`,
		documentID, holder, time.Now().UTC().Unix())
	if err != nil {
		// Primary-key violation means another holder has the lock.
		return fmt.Errorf("%w: %s", ErrLockHeld, documentID)
	}
	return nil
}

// ReleaseLock drops the advisory lock. Releasing an unheld lock is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, documentID string) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM document_locks WHERE document_id = ?`, documentID); err != nil {
		s.cfg.Logger.Warn("release lock failed", "document_id", documentID, "error", err)
	}
}

const selectDocument = `
	SELECT id, project_id, content_hash, mime_type, byte_size, storage_ref,
	       status, version_no, parent_document_id, superseded_at, created_at
	FROM documents`

func (s *Store) findByHash(ctx context.Context, hash, projectID string) (*Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		selectDocument+` WHERE content_hash = ? AND project_id = ? AND superseded_at IS NULL`,
		hash, projectID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var parent sql.NullString
	var superseded sql.NullInt64
	var created int64

	err := row.Scan(&d.ID, &d.ProjectID, &d.ContentHash, &d.MIMEType, &d.ByteSize,
		&d.StorageRef, &d.Status, &d.VersionNo, &parent, &superseded, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("contentstore: scan document: %w", err)
	}

	d.ParentID = parent.String
	if superseded.Valid {
		t := time.Unix(superseded.Int64, 0).UTC()
		d.SupersededAt = &t
	}
	d.CreatedAt = time.Unix(created, 0).UTC()
	return &d, nil
}

// isUniqueViolation reports whether err is an SQLite unique-index conflict.
// modernc.org/sqlite exposes no typed error, so match the message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) mimeAllowed(mime string) bool {
	if len(s.cfg.AllowedMIME) == 0 {
		return true
	}
	for _, m := range s.cfg.AllowedMIME {
		if m == mime {
			return true
		}
	}
	return false
}
