// Package knowledge is the semantic index: it chunks extracted text,
// embeds the chunks, and serves cosine-similarity search scoped to a
// project or across all projects.
//
// Every embedding row stores the model id it was produced with. Search
// compares that id against the query embedder's and rejects mismatches
// outright — vectors from different models are never scored against each
// other. Supersession excludes an old version's chunks from search without
// deleting them, so a version rollback has its data intact.
package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/propknow/propknow/embedder"
	"github.com/propknow/propknow/extract"
	"github.com/propknow/propknow/idgen"
)

var (
	// ErrModelMismatch is returned when the index was built with a
	// different embedding model than the query embedder.
	ErrModelMismatch = errors.New("knowledge: embedding model mismatch")

	// ErrNotFound is returned for unknown chunk ids.
	ErrNotFound = errors.New("knowledge: not found")
)

// KnowledgeChunk is a persisted retrievable text unit.
type KnowledgeChunk struct {
	ID              string     `json:"id"`
	DocumentID      string     `json:"document_id"`
	DocumentVersion int        `json:"document_version"`
	ProjectID       string     `json:"project_id"`
	ChunkIndex      int        `json:"chunk_index"`
	Text            string     `json:"text"`
	CharStart       int        `json:"char_start"`
	CharEnd         int        `json:"char_end"`
	IsTable         bool       `json:"is_table"`
	SupersededAt    *time.Time `json:"superseded_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// SearchResult pairs a chunk with its similarity score.
type SearchResult struct {
	Chunk KnowledgeChunk `json:"chunk"`
	Score float64        `json:"score"`
}

// Scope restricts a search. An empty ProjectID means global: every project
// the caller may see (entitlement filtering happens upstream).
type Scope struct {
	ProjectID string `json:"project_id,omitempty"`
}

// Config configures the index.
type Config struct {
	// Embedder produces vectors for chunks and queries. Required.
	Embedder embedder.Embedder

	// TargetChars is the chunk length target. Default: 1500.
	TargetChars int

	// OverlapChars is the overlap between consecutive prose chunks.
	// Default: 200.
	OverlapChars int

	// MinSimilarity is the default relevance floor for Search when the
	// caller passes 0. Default: 0.7.
	MinSimilarity float64

	// TopK is the default result count for Search when the caller
	// passes 0. Default: 10.
	TopK int

	// NewID generates chunk ids. Default: idgen "chk_" UUIDv7.
	NewID idgen.Generator

	// Logger for index events. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.TargetChars <= 0 {
		c.TargetChars = 1500
	}
	if c.OverlapChars <= 0 {
		c.OverlapChars = 200
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = 0.7
	}
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("chk_", idgen.Default)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS knowledge_chunks (
    id                TEXT PRIMARY KEY,
    document_id       TEXT NOT NULL,
    document_version  INTEGER NOT NULL,
    project_id        TEXT NOT NULL,
    chunk_index       INTEGER NOT NULL,
    text              TEXT NOT NULL,
    char_start        INTEGER NOT NULL,
    char_end          INTEGER NOT NULL,
    is_table          INTEGER NOT NULL DEFAULT 0,
    superseded_at     INTEGER,
    created_at        INTEGER NOT NULL,
    UNIQUE (document_id, document_version, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_project ON knowledge_chunks(project_id);

CREATE TABLE IF NOT EXISTS embeddings (
    chunk_id       TEXT PRIMARY KEY REFERENCES knowledge_chunks(id),
    model_id       TEXT NOT NULL,
    dimension      INTEGER NOT NULL,
    vector         BLOB NOT NULL,
    norm           REAL NOT NULL,
    superseded_at  INTEGER,
    created_at     INTEGER NOT NULL
);
`

// Index is the chunker/embedder/retrieval handle.
type Index struct {
	db  *sql.DB
	cfg Config
}

// New initialises the schema and returns an Index.
func New(db *sql.DB, cfg Config) (*Index, error) {
	cfg.defaults()
	if cfg.Embedder == nil {
		return nil, errors.New("knowledge: Config.Embedder is required")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("knowledge: init schema: %w", err)
	}
	return &Index{db: db, cfg: cfg}, nil
}

// IndexDocument chunks and embeds one document version. Idempotent:
// when chunks already exist for (documentID, version) nothing is written
// and the existing chunk count is returned.
func (ix *Index) IndexDocument(ctx context.Context, documentID string, version int, projectID string, res *extract.Result) (int, error) {
	var existing int
	if err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_chunks WHERE document_id = ? AND document_version = ?`,
		documentID, version).Scan(&existing); err != nil {
		return 0, fmt.Errorf("knowledge: check existing chunks: %w", err)
	}
	if existing > 0 {
		ix.cfg.Logger.Debug("document version already indexed",
			"document_id", documentID, "version", version, "chunks", existing)
		return existing, nil
	}

	chunks := splitChunks(res, ix.cfg.TargetChars, ix.cfg.OverlapChars)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := ix.cfg.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("knowledge: embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return 0, fmt.Errorf("knowledge: embedder returned %d vectors for %d chunks", len(vecs), len(chunks))
	}

	now := time.Now().UTC().Unix()
	model := ix.cfg.Embedder.ModelID()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("knowledge: begin: %w", err)
	}
	defer tx.Rollback()

	for i, c := range chunks {
		id := ix.cfg.NewID()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_chunks (id, document_id, document_version, project_id,
				chunk_index, text, char_start, char_end, is_table, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, documentID, version, projectID,
			c.Index, c.Text, c.CharStart, c.CharEnd, boolInt(c.IsTable), now); err != nil {
			return 0, fmt.Errorf("knowledge: insert chunk: %w", err)
		}

		vec := vecs[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO embeddings (chunk_id, model_id, dimension, vector, norm, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, model, len(vec), SerializeVector(vec), Norm(vec), now); err != nil {
			return 0, fmt.Errorf("knowledge: insert embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("knowledge: commit: %w", err)
	}

	ix.cfg.Logger.Info("document indexed",
		"document_id", documentID, "version", version,
		"chunks", len(chunks), "model", model)
	return len(chunks), nil
}

// Search embeds the query and ranks non-superseded chunks in scope by
// cosine similarity. Results below minSimilarity are dropped; ties are
// broken by the most recent document version. topK falls back to the
// configured default when not positive; a negative minSimilarity selects
// the configured default, while zero is an explicit no-floor query.
func (ix *Index) Search(ctx context.Context, query string, scope Scope, topK int, minSimilarity float64) ([]SearchResult, error) {
	if topK <= 0 {
		topK = ix.cfg.TopK
	}
	if minSimilarity < 0 {
		minSimilarity = ix.cfg.MinSimilarity
	}

	if err := ix.checkModel(ctx, scope); err != nil {
		return nil, err
	}

	vecs, err := ix.cfg.Embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	qvec := vecs[0]
	qnorm := Norm(qvec)

	sel := `
		SELECT c.id, c.document_id, c.document_version, c.project_id, c.chunk_index,
		       c.text, c.char_start, c.char_end, c.is_table, c.created_at,
		       e.vector, e.norm
		FROM knowledge_chunks c
		JOIN embeddings e ON e.chunk_id = c.id
		WHERE c.superseded_at IS NULL AND e.superseded_at IS NULL`
	args := []any{}
	if scope.ProjectID != "" {
		sel += ` AND c.project_id = ?`
		args = append(args, scope.ProjectID)
	}

	rows, err := ix.db.QueryContext(ctx, sel, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: scan embeddings: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var c KnowledgeChunk
		var isTable int
		var created int64
		var blob []byte
		var norm float64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.DocumentVersion, &c.ProjectID,
			&c.ChunkIndex, &c.Text, &c.CharStart, &c.CharEnd, &isTable, &created,
			&blob, &norm); err != nil {
			return nil, fmt.Errorf("knowledge: scan chunk: %w", err)
		}
		c.IsTable = isTable != 0
		c.CreatedAt = time.Unix(created, 0).UTC()

		score := cosineWithNorms(qvec, DeserializeVector(blob), qnorm, norm)
		if score < minSimilarity {
			continue
		}
		results = append(results, SearchResult{Chunk: c, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.DocumentVersion > results[j].Chunk.DocumentVersion
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// checkModel rejects queries against an index built with a different
// embedding model.
func (ix *Index) checkModel(ctx context.Context, scope Scope) error {
	sel := `
		SELECT DISTINCT e.model_id
		FROM embeddings e
		JOIN knowledge_chunks c ON c.id = e.chunk_id
		WHERE e.superseded_at IS NULL AND c.superseded_at IS NULL`
	args := []any{}
	if scope.ProjectID != "" {
		sel += ` AND c.project_id = ?`
		args = append(args, scope.ProjectID)
	}

	rows, err := ix.db.QueryContext(ctx, sel, args...)
	if err != nil {
		return fmt.Errorf("knowledge: check models: %w", err)
	}
	defer rows.Close()

	current := ix.cfg.Embedder.ModelID()
	for rows.Next() {
		var model string
		if err := rows.Scan(&model); err != nil {
			return fmt.Errorf("knowledge: scan model: %w", err)
		}
		if model != current {
			return fmt.Errorf("%w: index has %q, query embedder is %q", ErrModelMismatch, model, current)
		}
	}
	return rows.Err()
}

// SupersedeDocument marks the document's chunks and embeddings superseded.
// Runs inside the content store's CreateVersion transaction.
func (ix *Index) SupersedeDocument(ctx context.Context, tx *sql.Tx, documentID string) error {
	now := time.Now().UTC().Unix()
	if _, err := tx.ExecContext(ctx, `
		UPDATE embeddings SET superseded_at = ?
		WHERE superseded_at IS NULL AND chunk_id IN (
			SELECT id FROM knowledge_chunks WHERE document_id = ?
		)`, now, documentID); err != nil {
		return fmt.Errorf("knowledge: supersede embeddings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE knowledge_chunks SET superseded_at = ?
		WHERE superseded_at IS NULL AND document_id = ?`, now, documentID); err != nil {
		return fmt.Errorf("knowledge: supersede chunks: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
