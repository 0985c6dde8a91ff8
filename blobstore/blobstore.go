// Package blobstore abstracts raw document byte storage behind a two-method
// capability so the rest of the pipeline never touches the filesystem (or a
// future object store) directly.
//
// Usage:
//
//	bs, err := blobstore.NewFS("/var/lib/propknow/blobs")
//	ref, err := bs.Put(ctx, data)
//	raw, err := bs.Get(ctx, ref)
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrBlobNotFound is returned by Get for an unknown storage ref.
var ErrBlobNotFound = errors.New("blobstore: blob not found")

// Store is the blob storage capability consumed by the content store.
type Store interface {
	// Put writes bytes and returns an opaque storage ref.
	// Writing identical bytes twice returns the same ref.
	Put(ctx context.Context, data []byte) (string, error)

	// Get reads the bytes behind a storage ref.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// FS is a content-addressed filesystem store. Blobs live under
// root/<hash[:2]>/<hash>, so the ref doubles as an integrity check.
type FS struct {
	root string
}

// NewFS creates the root directory if needed and returns a filesystem store.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &FS{root: root}, nil
}

func (f *FS) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	dir := filepath.Join(f.root, hash[:2])
	final := filepath.Join(dir, hash)

	// Already stored: content-addressing makes Put idempotent.
	if _, err := os.Stat(final); err == nil {
		return hash, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blobstore: mkdir: %w", err)
	}

	// Write to a temp name then rename, so a crash never leaves a partial
	// blob under its final hash-keyed path.
	tmp, err := os.CreateTemp(dir, "incoming-*")
	if err != nil {
		return "", fmt.Errorf("blobstore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("blobstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("blobstore: close: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("blobstore: rename: %w", err)
	}

	return hash, nil
}

func (f *FS) Get(_ context.Context, ref string) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.root, ref[:2], ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("blobstore: read %s: %w", ref, err)
	}
	return data, nil
}

// validateRef guards against path traversal: refs are hex SHA-256 digests.
func validateRef(ref string) error {
	if len(ref) != 64 || strings.ContainsAny(ref, "/\\.") {
		return fmt.Errorf("blobstore: invalid ref %q", ref)
	}
	if _, err := hex.DecodeString(ref); err != nil {
		return fmt.Errorf("blobstore: invalid ref %q", ref)
	}
	return nil
}
