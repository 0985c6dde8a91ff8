package contentstore

import "errors"

// ErrNotFound is returned when a document id does not exist.
var ErrNotFound = errors.New("contentstore: document not found")

// ErrPayloadTooLarge is returned when an upload exceeds the size limit.
var ErrPayloadTooLarge = errors.New("contentstore: payload too large")

// ErrUnsupportedFormat is returned for MIME types no extractor handles.
var ErrUnsupportedFormat = errors.New("contentstore: unsupported format")

// ErrArchived is returned when versioning an archived document.
var ErrArchived = errors.New("contentstore: document is archived")

// ErrSuperseded is returned when versioning a document that already has a
// newer version; only the chain tip accepts new versions.
var ErrSuperseded = errors.New("contentstore: document is superseded")

// ErrLockHeld is returned when the per-document advisory lock is taken.
var ErrLockHeld = errors.New("contentstore: document lock held")
