package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// tableSpec describes a domain table the commit engine may write. Column
// lists are static; SQL built from them never interpolates caller input.
type tableSpec struct {
	keyColumn   string
	dataColumns []string
}

var tableSpecs = map[string]tableSpec{
	"units": {
		keyColumn:   "unit_no",
		dataColumns: []string{"tenant", "rent", "status", "lease_start", "lease_end", "sqft"},
	},
	"expenses": {
		keyColumn:   "category",
		dataColumns: []string{"annual_amount"},
	},
	"property_facts": {
		keyColumn:   "field",
		dataColumns: []string{"value"},
	},
}

// RecordRef identifies one domain row touched by a commit.
type RecordRef struct {
	Table   string `json:"table"`
	Key     string `json:"key"`
	Created bool   `json:"created"`
}

// CommitResult reports what a commit wrote.
type CommitResult struct {
	CommitID       string      `json:"commit_id"`
	BatchID        string      `json:"batch_id"`
	CreatedRecords []RecordRef `json:"created_records"`
	SkippedFields  []Warning   `json:"skipped_fields,omitempty"`
}

// rowWrite accumulates the column values destined for one domain row.
type rowWrite struct {
	table  string
	key    string
	values map[string]any
}

// Commit materializes a pending batch into domain records. For every
// assertion the override value wins when present; override paths absent
// from the batch are written too, so reviewers can add corrections. Every
// row about to change is snapshotted first, and all writes happen in one
// transaction. Serialized per document via the shared advisory lock; a
// commit racing a finished commit on the same batch sees ErrAlreadyCommitted.
func (s *Store) Commit(ctx context.Context, batchID string, overrides map[string]string) (*CommitResult, error) {
	b, err := s.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	if err := s.cfg.Locker.AcquireLock(ctx, b.DocumentID, "commit"); err != nil {
		return nil, err
	}
	defer s.cfg.Locker.ReleaseLock(ctx, b.DocumentID)

	// Re-read under the lock; the batch may have been committed or
	// superseded while we waited.
	b, err = s.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case BatchCommitted:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCommitted, batchID)
	case BatchDiscarded, BatchSuperseded:
		return nil, fmt.Errorf("%w: %s is %s", ErrBatchClosed, batchID, b.Status)
	}
	if err := s.loadAssertions(ctx, b); err != nil {
		return nil, err
	}

	effective := make(map[string]string, len(b.Assertions)+len(overrides))
	for _, a := range b.Assertions {
		effective[a.FieldPath] = a.Value
	}
	for path, v := range overrides {
		effective[path] = v
	}

	result := &CommitResult{CommitID: s.cfg.NewCommitID(), BatchID: batchID}

	writes := map[string]*rowWrite{}
	for path, raw := range effective {
		target, err := s.cfg.FieldMap.Resolve(path)
		if err != nil {
			result.SkippedFields = append(result.SkippedFields, Warning{
				Rule: "unmapped_field", FieldPath: path, Message: err.Error(),
			})
			continue
		}

		var value any = raw
		if target.Kind == KindNumber {
			n, err := parseNumber(raw)
			if err != nil {
				result.SkippedFields = append(result.SkippedFields, Warning{
					Rule: "unparseable_number", FieldPath: path,
					Message: fmt.Sprintf("%q is not numeric", raw),
				})
				continue
			}
			value = n
		}

		gk := target.Table + "\x00" + target.Key
		w, ok := writes[gk]
		if !ok {
			w = &rowWrite{table: target.Table, key: target.Key, values: map[string]any{}}
			writes[gk] = w
		}
		w.values[target.Column] = value
	}

	ordered := make([]*rowWrite, 0, len(writes))
	for _, w := range writes {
		ordered = append(ordered, w)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].table != ordered[j].table {
			return ordered[i].table < ordered[j].table
		}
		return ordered[i].key < ordered[j].key
	})

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("staging: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO commits (id, batch_id, document_id, committed_at) VALUES (?, ?, ?, ?)`,
		result.CommitID, batchID, b.DocumentID, now.Unix()); err != nil {
		return nil, fmt.Errorf("staging: insert commit: %w", err)
	}

	for seq, w := range ordered {
		pre, err := readRow(ctx, tx, w.table, b.ProjectID, w.key)
		if err != nil {
			return nil, err
		}

		newVersion := int64(1)
		var preJSON any
		if pre != nil {
			rv, _ := pre["row_version"].(int64)
			newVersion = rv + 1
			data, err := json.Marshal(pre)
			if err != nil {
				return nil, fmt.Errorf("staging: encode snapshot: %w", err)
			}
			preJSON = string(data)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commit_snapshots (commit_id, seq, table_name, project_id, row_key, pre_row, post_row_version)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			result.CommitID, seq, w.table, b.ProjectID, w.key, preJSON, newVersion); err != nil {
			return nil, fmt.Errorf("staging: insert snapshot: %w", err)
		}

		if err := upsertRow(ctx, tx, w, b.ProjectID, newVersion, now.Unix(), pre != nil); err != nil {
			return nil, err
		}
		result.CreatedRecords = append(result.CreatedRecords, RecordRef{
			Table: w.table, Key: w.key, Created: pre == nil,
		})
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE staging_batches SET status = 'committed' WHERE id = ?`, batchID); err != nil {
		return nil, fmt.Errorf("staging: mark committed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("staging: commit: %w", err)
	}

	s.cfg.Logger.Info("staging batch committed",
		"batch_id", batchID, "commit_id", result.CommitID,
		"document_id", b.DocumentID, "rows", len(result.CreatedRecords),
		"skipped", len(result.SkippedFields))
	return result, nil
}

// Rollback restores every row captured in the commit's snapshot, in reverse
// write order, inside one transaction. If any row has been modified since —
// its row_version no longer matches what this commit wrote — nothing is
// restored and ErrRollbackConflict is returned. The batch goes back to
// pending review so it can be re-committed.
func (s *Store) Rollback(ctx context.Context, commitID string) (int, error) {
	var batchID, documentID string
	var rolledBack sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT batch_id, document_id, rolled_back_at FROM commits WHERE id = ?`,
		commitID).Scan(&batchID, &documentID, &rolledBack)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: commit %s", ErrNotFound, commitID)
	}
	if err != nil {
		return 0, fmt.Errorf("staging: load commit: %w", err)
	}
	if rolledBack.Valid {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRolledBack, commitID)
	}

	if err := s.cfg.Locker.AcquireLock(ctx, documentID, "rollback"); err != nil {
		return 0, err
	}
	defer s.cfg.Locker.ReleaseLock(ctx, documentID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("staging: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT table_name, project_id, row_key, pre_row, post_row_version
		FROM commit_snapshots WHERE commit_id = ?
		ORDER BY seq DESC`, commitID)
	if err != nil {
		return 0, fmt.Errorf("staging: load snapshots: %w", err)
	}

	type snapshot struct {
		table, projectID, key string
		preRow                sql.NullString
		postVersion           int64
	}
	var snaps []snapshot
	for rows.Next() {
		var sn snapshot
		if err := rows.Scan(&sn.table, &sn.projectID, &sn.key, &sn.preRow, &sn.postVersion); err != nil {
			rows.Close()
			return 0, fmt.Errorf("staging: scan snapshot: %w", err)
		}
		snaps = append(snaps, sn)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	restored := 0
	for _, sn := range snaps {
		cur, err := readRowTx(ctx, tx, sn.table, sn.projectID, sn.key)
		if err != nil {
			return 0, err
		}
		curVersion := int64(-1)
		if cur != nil {
			curVersion, _ = cur["row_version"].(int64)
		}
		if curVersion != sn.postVersion {
			return 0, fmt.Errorf("%w: %s %q is at version %d, commit wrote %d",
				ErrRollbackConflict, sn.table, sn.key, curVersion, sn.postVersion)
		}

		if !sn.preRow.Valid {
			// The commit created this row; rolling back removes it.
			if err := deleteRow(ctx, tx, sn.table, sn.projectID, sn.key); err != nil {
				return 0, err
			}
			restored++
			continue
		}

		var pre map[string]any
		if err := json.Unmarshal([]byte(sn.preRow.String), &pre); err != nil {
			return 0, fmt.Errorf("staging: decode snapshot: %w", err)
		}
		if err := restoreRow(ctx, tx, sn.table, sn.projectID, sn.key, pre); err != nil {
			return 0, err
		}
		restored++
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE commits SET rolled_back_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), commitID); err != nil {
		return 0, fmt.Errorf("staging: mark rolled back: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE staging_batches SET status = 'pending_review' WHERE id = ? AND status = 'committed'`,
		batchID); err != nil {
		return 0, fmt.Errorf("staging: reopen batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("staging: commit: %w", err)
	}

	s.cfg.Logger.Info("commit rolled back",
		"commit_id", commitID, "batch_id", batchID, "rows", restored)
	return restored, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readRow loads a domain row as column→value, including row_version and
// updated_at, or nil when absent.
func readRow(ctx context.Context, q querier, table, projectID, key string) (map[string]any, error) {
	return readRowTx(ctx, q, table, projectID, key)
}

func readRowTx(ctx context.Context, q querier, table, projectID, key string) (map[string]any, error) {
	spec, ok := tableSpecs[table]
	if !ok {
		return nil, fmt.Errorf("staging: unknown table %q", table)
	}

	cols := append(append([]string{}, spec.dataColumns...), "row_version", "updated_at")
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE project_id = ? AND %s = ?`,
		strings.Join(cols, ", "), table, spec.keyColumn)

	dest := make([]any, len(cols))
	for i := range dest {
		dest[i] = new(any)
	}
	err := q.QueryRowContext(ctx, query, projectID, key).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("staging: read %s row: %w", table, err)
	}

	row := make(map[string]any, len(cols))
	for i, c := range cols {
		v := *(dest[i].(*any))
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row[c] = v
	}
	return row, nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, w *rowWrite, projectID string, version, now int64, exists bool) error {
	spec := tableSpecs[w.table]

	if exists {
		var sets []string
		var args []any
		for _, c := range spec.dataColumns {
			if v, ok := w.values[c]; ok {
				sets = append(sets, c+" = ?")
				args = append(args, v)
			}
		}
		sets = append(sets, "row_version = ?", "updated_at = ?")
		args = append(args, version, now, projectID, w.key)
		query := fmt.Sprintf(`UPDATE %s SET %s WHERE project_id = ? AND %s = ?`,
			w.table, strings.Join(sets, ", "), spec.keyColumn)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("staging: update %s row: %w", w.table, err)
		}
		return nil
	}

	cols := []string{"project_id", spec.keyColumn}
	args := []any{projectID, w.key}
	for _, c := range spec.dataColumns {
		if v, ok := w.values[c]; ok {
			cols = append(cols, c)
			args = append(args, v)
		}
	}
	cols = append(cols, "row_version", "updated_at")
	args = append(args, version, now)

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		w.table, strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("staging: insert %s row: %w", w.table, err)
	}
	return nil
}

func restoreRow(ctx context.Context, tx *sql.Tx, table, projectID, key string, pre map[string]any) error {
	spec := tableSpecs[table]

	cols := append(append([]string{}, spec.dataColumns...), "row_version", "updated_at")
	var sets []string
	var args []any
	for _, c := range cols {
		sets = append(sets, c+" = ?")
		args = append(args, pre[c])
	}
	args = append(args, projectID, key)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE project_id = ? AND %s = ?`,
		table, strings.Join(sets, ", "), spec.keyColumn)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("staging: restore %s row: %w", table, err)
	}
	return nil
}

func deleteRow(ctx context.Context, tx *sql.Tx, table, projectID, key string) error {
	spec := tableSpecs[table]
	query := fmt.Sprintf(`DELETE FROM %s WHERE project_id = ? AND %s = ?`, table, spec.keyColumn)
	if _, err := tx.ExecContext(ctx, query, projectID, key); err != nil {
		return fmt.Errorf("staging: delete %s row: %w", table, err)
	}
	return nil
}

// parseNumber parses currency- and percent-formatted values.
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" || s == "--" {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseFloat(s, 64)
}
