package staging

import "errors"

var (
	// ErrNotFound is returned for unknown batch or commit ids.
	ErrNotFound = errors.New("staging: not found")

	// ErrAlreadyCommitted is returned when committing a batch that has
	// already been committed.
	ErrAlreadyCommitted = errors.New("staging: batch already committed")

	// ErrBatchClosed is returned when committing a discarded or
	// superseded batch.
	ErrBatchClosed = errors.New("staging: batch is not pending review")

	// ErrRollbackConflict is returned when a row captured in the commit
	// snapshot has been modified by a later, independent commit. Nothing
	// is restored.
	ErrRollbackConflict = errors.New("staging: rollback conflict")

	// ErrAlreadyRolledBack is returned when rolling back a commit twice.
	ErrAlreadyRolledBack = errors.New("staging: commit already rolled back")

	// ErrUnmappedField is returned by the field map for paths no rule
	// covers.
	ErrUnmappedField = errors.New("staging: no mapping for field path")
)
