package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/propknow/propknow/classify"
	"github.com/propknow/propknow/contentstore"
	"github.com/propknow/propknow/extract"
	"github.com/propknow/propknow/jobqueue"
	"github.com/propknow/propknow/knowledge"
	"github.com/propknow/propknow/staging"
)

// ErrNoExtractors is returned when no registered extractor matched; the
// narrative extractor normally prevents this.
var ErrNoExtractors = errors.New("ingest: no extractor matched document")

// Orchestrator ties the pipeline together: content store in, staging batch
// and knowledge chunks out.
type Orchestrator struct {
	content  *contentstore.Store
	pipeline *extract.Pipeline
	registry *Registry
	staging  *staging.Store
	index    *knowledge.Index
	queue    *jobqueue.Queue
	log      *slog.Logger
}

// OrchestratorConfig wires the orchestrator's collaborators. All fields
// except Registry and Logger are required.
type OrchestratorConfig struct {
	Content  *contentstore.Store
	Pipeline *extract.Pipeline
	Registry *Registry
	Staging  *staging.Store
	Index    *knowledge.Index
	Queue    *jobqueue.Queue
	Logger   *slog.Logger
}

// NewOrchestrator validates the wiring and returns an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Content == nil || cfg.Pipeline == nil || cfg.Staging == nil ||
		cfg.Index == nil || cfg.Queue == nil {
		return nil, errors.New("ingest: OrchestratorConfig is missing a collaborator")
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		content:  cfg.Content,
		pipeline: cfg.Pipeline,
		registry: cfg.Registry,
		staging:  cfg.Staging,
		index:    cfg.Index,
		queue:    cfg.Queue,
		log:      cfg.Logger,
	}, nil
}

// EnqueueDocument queues extraction for a document. Idempotent per the
// queue's active-job constraint.
func (o *Orchestrator) EnqueueDocument(ctx context.Context, documentID string) (*jobqueue.Job, error) {
	if _, err := o.content.Get(ctx, documentID); err != nil {
		return nil, err
	}
	return o.queue.Enqueue(ctx, documentID)
}

// Handler adapts Run to the queue's handler signature.
func (o *Orchestrator) Handler() jobqueue.Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		_, err := o.Run(ctx, job)
		return err
	}
}

// Run processes one claimed extraction job end to end and returns the
// staging batch it produced. Knowledge indexing uses the raw extracted
// text and does not wait for review.
func (o *Orchestrator) Run(ctx context.Context, job *jobqueue.Job) (*staging.Batch, error) {
	doc, err := o.content.Get(ctx, job.DocumentID)
	if err != nil {
		return nil, err
	}
	if err := o.content.SetStatus(ctx, doc.ID, contentstore.StatusProcessing); err != nil {
		return nil, err
	}

	batch, err := o.process(ctx, job, doc)
	if err != nil {
		// The attempt context may already be expired (timeout); marking the
		// document failed must not depend on the attempt's budget.
		if serr := o.content.SetStatus(context.WithoutCancel(ctx), doc.ID, contentstore.StatusFailed); serr != nil {
			o.log.Error("mark document failed", "document_id", doc.ID, "error", serr)
		}
		return nil, err
	}

	if err := o.content.SetStatus(ctx, doc.ID, contentstore.StatusIndexed); err != nil {
		return nil, err
	}
	return batch, nil
}

func (o *Orchestrator) process(ctx context.Context, job *jobqueue.Job, doc *contentstore.Document) (*staging.Batch, error) {
	data, err := o.content.Bytes(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("load document bytes: %w", err)
	}

	res, err := o.pipeline.Extract(ctx, data, doc.MIMEType)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", doc.MIMEType, err)
	}

	tags := classify.Classify(res.Text)
	matched := o.registry.Match(doc.MIMEType, tags)
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: %s %v", ErrNoExtractors, doc.MIMEType, tags)
	}
	o.log.Info("dispatching extractors",
		"document_id", doc.ID, "tags", tags, "extractors", len(matched))

	asserts, warnings := o.dispatch(ctx, doc, res, matched)
	warnings = append(warnings, Validate(asserts)...)

	batch, err := o.staging.CreateBatch(ctx, &staging.Batch{
		DocumentID:      doc.ID,
		DocumentVersion: doc.VersionNo,
		ProjectID:       doc.ProjectID,
		JobID:           job.ID,
		Warnings:        warnings,
	}, asserts)
	if err != nil {
		return nil, fmt.Errorf("create staging batch: %w", err)
	}

	if _, err := o.index.IndexDocument(ctx, doc.ID, doc.VersionNo, doc.ProjectID, res); err != nil {
		return nil, fmt.Errorf("index document: %w", err)
	}
	return batch, nil
}

// dispatch runs the matched extractors in parallel. A failing or panicking
// extractor contributes a warning instead of failing the job.
func (o *Orchestrator) dispatch(ctx context.Context, doc *contentstore.Document, res *extract.Result, matched []Extractor) ([]staging.Assertion, []staging.Warning) {
	var mu sync.Mutex
	var asserts []staging.Assertion
	var warnings []staging.Warning

	var wg sync.WaitGroup
	for _, e := range matched {
		wg.Add(1)
		go func(e Extractor) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("extractor panicked",
						"extractor", e.Name(), "document_id", doc.ID, "panic", r)
					mu.Lock()
					warnings = append(warnings, staging.Warning{
						Rule:    "extractor_failure",
						Message: fmt.Sprintf("%s panicked: %v", e.Name(), r),
					})
					mu.Unlock()
				}
			}()

			out, err := e.Extract(ctx, doc, res)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.log.Warn("extractor failed",
					"extractor", e.Name(), "document_id", doc.ID, "error", err)
				warnings = append(warnings, staging.Warning{
					Rule:    "extractor_failure",
					Message: fmt.Sprintf("%s: %v", e.Name(), err),
				})
				return
			}
			asserts = append(asserts, out...)
		}(e)
	}
	wg.Wait()

	return asserts, warnings
}
