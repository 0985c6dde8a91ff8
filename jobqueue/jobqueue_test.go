package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/propknow/propknow/dbopen"
)

func newQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	db := dbopen.OpenMemory(t)
	q, err := New(db, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, Config{})

	job, err := q.Enqueue(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}

	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claimed = %+v, want job %s", claimed, job.ID)
	}
	if claimed.Status != StatusProcessing || claimed.AttemptCount != 1 {
		t.Errorf("claimed = %+v", claimed)
	}

	// Still invisible: second claim finds nothing.
	if again, _ := q.Claim(ctx); again != nil {
		t.Errorf("claimed hidden job: %+v", again)
	}

	if err := q.Complete(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.ProcessedAt == nil {
		t.Errorf("completed job = %+v", got)
	}
}

func TestEnqueueDuplicateActive(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, Config{})

	if _, err := q.Enqueue(ctx, "doc_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "doc_1"); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("expected ErrAlreadyQueued, got %v", err)
	}

	// A different document is unaffected.
	if _, err := q.Enqueue(ctx, "doc_2"); err != nil {
		t.Fatal(err)
	}
}

func TestEnqueueAfterTerminalFailure(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, Config{MaxAttempts: 1})

	job, err := q.Enqueue(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, job.ID, "parse error"); err != nil {
		t.Fatal(err)
	}

	got, _ := q.Get(ctx, job.ID)
	if got.Status != StatusFailed || got.ErrorDetail != "parse error" {
		t.Errorf("job = %+v", got)
	}

	// Terminal failure releases the active-job slot.
	if _, err := q.Enqueue(ctx, "doc_1"); err != nil {
		t.Errorf("re-enqueue after terminal failure: %v", err)
	}
}

func TestFailRequeuesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, Config{MaxAttempts: 3, RetryBackoff: 50 * time.Millisecond})

	job, err := q.Enqueue(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, job.ID, "transient"); err != nil {
		t.Fatal(err)
	}

	got, _ := q.Get(ctx, job.ID)
	if got.Status != StatusPending || got.ErrorDetail != "transient" {
		t.Errorf("job = %+v", got)
	}

	// Invisible until backoff elapses.
	if again, _ := q.Claim(ctx); again != nil {
		t.Errorf("claimed job inside backoff window: %+v", again)
	}
	time.Sleep(80 * time.Millisecond)
	again, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || again.AttemptCount != 2 {
		t.Fatalf("after backoff claim = %+v", again)
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, Config{Visibility: 30 * time.Millisecond})

	if _, err := q.Enqueue(ctx, "doc_1"); err != nil {
		t.Fatal(err)
	}
	first, err := q.Claim(ctx)
	if err != nil || first == nil {
		t.Fatalf("first claim: %v %+v", err, first)
	}

	// Worker "crashes": never completes. Job reappears after visibility.
	time.Sleep(50 * time.Millisecond)
	second, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second == nil || second.ID != first.ID || second.AttemptCount != 2 {
		t.Fatalf("redelivery = %+v", second)
	}
}

func TestLatestForDocument(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, Config{MaxAttempts: 1})

	first, err := q.Enqueue(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, first.ID, "broken"); err != nil {
		t.Fatal(err)
	}

	second, err := q.Enqueue(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}

	got, err := q.LatestForDocument(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != second.ID {
		t.Errorf("latest = %s, want %s", got.ID, second.ID)
	}

	if _, err := q.LatestForDocument(ctx, "doc_unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunProcessesJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newQueue(t, Config{PollInterval: 10 * time.Millisecond, Concurrency: 2})

	job, err := q.Enqueue(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan string, 1)
	go q.Run(ctx, func(_ context.Context, j *Job) error {
		done <- j.ID
		return nil
	})

	select {
	case id := <-done:
		if id != job.ID {
			t.Errorf("handler got %s, want %s", id, job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	// Poll for the recorded completion.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := q.Get(ctx, job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunRecordsTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := newQueue(t, Config{
		PollInterval: 10 * time.Millisecond,
		JobTimeout:   20 * time.Millisecond,
		MaxAttempts:  1,
	})

	job, err := q.Enqueue(ctx, "doc_1")
	if err != nil {
		t.Fatal(err)
	}

	go q.Run(ctx, func(jctx context.Context, _ *Job) error {
		<-jctx.Done()
		return jctx.Err()
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := q.Get(ctx, job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == StatusFailed {
			if got.ErrorDetail != "timeout" {
				t.Errorf("error_detail = %q, want timeout", got.ErrorDetail)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never failed: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
