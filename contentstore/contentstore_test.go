package contentstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/propknow/propknow/blobstore"
	"github.com/propknow/propknow/dbopen"
	"github.com/propknow/propknow/idgen"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	bs, err := blobstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store, err := New(db, bs, Config{})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestPutDedupIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("rent roll for 123 Main St")

	first, dup, err := s.Put(ctx, data, "proj1", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("first Put reported duplicate")
	}

	second, dup, err := s.Put(ctx, data, "proj1", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("second Put of identical bytes should report duplicate")
	}
	if second.ID != first.ID {
		t.Errorf("dedup returned different document: %s vs %s", second.ID, first.ID)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("document row count = %d, want 1", count)
	}
}

func TestPutSameBytesDifferentProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("shared template")

	a, _, err := s.Put(ctx, data, "proj1", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	b, dup, err := s.Put(ctx, data, "proj2", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("same bytes in a different project is not a duplicate")
	}
	if a.ID == b.ID {
		t.Error("distinct projects must get distinct documents")
	}
}

func TestPutDedupRaceResolvesToDuplicate(t *testing.T) {
	// Two identical uploads racing between the hash lookup and the insert:
	// the loser must surface the winner's document as a duplicate, not a
	// unique-constraint error. The rival upload is injected through the ID
	// generator, which runs exactly in that window.
	db := dbopen.OpenMemory(t)
	bs, err := blobstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rival, err := New(db, bs, Config{})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	data := []byte("simultaneous upload")

	var rivalDoc *Document
	fired := false
	s, err := New(db, bs, Config{NewID: func() string {
		if !fired {
			fired = true
			d, _, perr := rival.Put(ctx, data, "p", "text/plain")
			if perr != nil {
				t.Fatalf("rival Put: %v", perr)
			}
			rivalDoc = d
		}
		return idgen.Prefixed("doc_", idgen.Default)()
	}})
	if err != nil {
		t.Fatal(err)
	}

	doc, dup, err := s.Put(ctx, data, "p", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("losing upload should report duplicate")
	}
	if doc.ID != rivalDoc.ID {
		t.Errorf("loser resolved to %s, want winner %s", doc.ID, rivalDoc.ID)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("document row count = %d, want 1", count)
	}
}

func TestPutRejectsOversize(t *testing.T) {
	db := dbopen.OpenMemory(t)
	bs, _ := blobstore.NewFS(t.TempDir())
	s, err := New(db, bs, Config{MaxBytes: 10})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = s.Put(context.Background(), []byte("way more than ten bytes"), "p", "text/plain")
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestPutRejectsUnsupportedMIME(t *testing.T) {
	db := dbopen.OpenMemory(t)
	bs, _ := blobstore.NewFS(t.TempDir())
	s, err := New(db, bs, Config{AllowedMIME: []string{"application/pdf"}})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = s.Put(context.Background(), []byte("x"), "p", "image/png")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestVersionChainIntegrity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1, _, err := s.Put(ctx, []byte("version one"), "p", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := s.CreateVersion(ctx, v1.ID, []byte("version two"))
	if err != nil {
		t.Fatal(err)
	}
	v3, err := s.CreateVersion(ctx, v2.ID, []byte("version three"))
	if err != nil {
		t.Fatal(err)
	}

	// The chain is reachable from any member.
	for _, from := range []string{v1.ID, v2.ID, v3.ID} {
		chain, err := s.VersionChain(ctx, from)
		if err != nil {
			t.Fatal(err)
		}
		if len(chain) != 3 {
			t.Fatalf("chain length = %d, want 3", len(chain))
		}
		for i, doc := range chain {
			if doc.VersionNo != i+1 {
				t.Errorf("chain[%d].VersionNo = %d, want %d", i, doc.VersionNo, i+1)
			}
			if i == 0 && doc.ParentID != "" {
				t.Error("root version must have no parent")
			}
			if i > 0 && doc.ParentID != chain[i-1].ID {
				t.Errorf("chain[%d].ParentID = %s, want %s", i, doc.ParentID, chain[i-1].ID)
			}
		}
	}

	// Parent versions are superseded, latest is not.
	for _, id := range []string{v1.ID, v2.ID} {
		doc, err := s.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if doc.SupersededAt == nil {
			t.Errorf("document %s should be superseded", id)
		}
	}
	latest, _ := s.Get(ctx, v3.ID)
	if latest.SupersededAt != nil {
		t.Error("latest version must not be superseded")
	}
}

func TestCreateVersionSupersededParent(t *testing.T) {
	// Only the chain tip accepts new versions: versioning a superseded
	// parent a second time would give it two children with the same
	// version_no and fork the chain.
	s := newTestStore(t)
	ctx := context.Background()

	v1, _, err := s.Put(ctx, []byte("version one"), "p", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := s.CreateVersion(ctx, v1.ID, []byte("version two"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.CreateVersion(ctx, v1.ID, []byte("rival version two")); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded for stale parent, got %v", err)
	}

	var children int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM documents WHERE parent_document_id = ?`, v1.ID).Scan(&children); err != nil {
		t.Fatal(err)
	}
	if children != 1 {
		t.Errorf("parent has %d children, want 1", children)
	}

	// The chain stays intact and extensible from the tip.
	if _, err := s.CreateVersion(ctx, v2.ID, []byte("version three")); err != nil {
		t.Fatal(err)
	}
	chain, err := s.VersionChain(ctx, v1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Errorf("chain length = %d, want 3", len(chain))
	}
}

func TestCreateVersionSameBytesAllowed(t *testing.T) {
	// Re-uploading identical bytes as an explicit new version creates a new
	// record; the dedup index tolerates it because the parent is superseded
	// in the same transaction.
	s := newTestStore(t)
	ctx := context.Background()

	v1, _, err := s.Put(ctx, []byte("same content"), "p", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := s.CreateVersion(ctx, v1.ID, []byte("same content"))
	if err != nil {
		t.Fatal(err)
	}
	if v2.VersionNo != 2 {
		t.Errorf("VersionNo = %d, want 2", v2.VersionNo)
	}
	if v2.ContentHash != v1.ContentHash {
		t.Error("identical bytes must hash identically")
	}
}

func TestCreateVersionUnknownParent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateVersion(context.Background(), "doc_missing", []byte("x"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateVersionArchivedParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, _, err := s.Put(ctx, []byte("to archive"), "p", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(ctx, doc.ID, StatusArchived); err != nil {
		t.Fatal(err)
	}

	_, err = s.CreateVersion(ctx, doc.ID, []byte("new bytes"))
	if !errors.Is(err, ErrArchived) {
		t.Errorf("expected ErrArchived, got %v", err)
	}
}

type recordingSuperseder struct {
	calls []string
}

func (r *recordingSuperseder) SupersedeDocument(_ context.Context, _ *sql.Tx, documentID string) error {
	r.calls = append(r.calls, documentID)
	return nil
}

func TestCreateVersionRunsSupersederHooks(t *testing.T) {
	s := newTestStore(t)
	rec := &recordingSuperseder{}
	s.RegisterSuperseder(rec)
	ctx := context.Background()

	v1, _, err := s.Put(ctx, []byte("v1"), "p", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateVersion(ctx, v1.ID, []byte("v2")); err != nil {
		t.Fatal(err)
	}

	if len(rec.calls) != 1 || rec.calls[0] != v1.ID {
		t.Errorf("superseder calls = %v, want [%s]", rec.calls, v1.ID)
	}
}

func TestCreateVersionBlockedByLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, _, err := s.Put(ctx, []byte("locked"), "p", "text/plain")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.AcquireLock(ctx, doc.ID, "commit"); err != nil {
		t.Fatal(err)
	}
	defer s.ReleaseLock(ctx, doc.ID)

	_, err = s.CreateVersion(ctx, doc.ID, []byte("blocked bytes"))
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("expected ErrLockHeld while commit holds the lock, got %v", err)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, _, err := s.Put(ctx, []byte("raw content here"), "p", "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	data, err := s.Bytes(ctx, doc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "raw content here" {
		t.Errorf("Bytes = %q", data)
	}
}
