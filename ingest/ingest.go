// Package ingest runs the extraction pipeline: it claims extraction jobs,
// pulls document bytes, extracts text, classifies, dispatches the matching
// extractors in parallel, and writes the merged assertions to staging and
// the raw text to the knowledge index.
//
// Extractors are registered, not hard-wired: a document whose classified
// tags match several extractors runs all of them, and one extractor
// failing drops only its own output with a warning on the batch.
package ingest

import (
	"context"
	"sync"

	"github.com/propknow/propknow/classify"
	"github.com/propknow/propknow/contentstore"
	"github.com/propknow/propknow/extract"
	"github.com/propknow/propknow/staging"
)

// Extractor turns an extracted document into structured assertions.
type Extractor interface {
	// Name identifies the extractor in assertions and warnings.
	Name() string

	// CanHandle reports whether this extractor applies to a document of
	// the given MIME type and classified tags.
	CanHandle(mimeType string, tags []classify.Tag) bool

	// Extract produces assertions from the extraction result. A returned
	// error drops this extractor's output only.
	Extract(ctx context.Context, doc *contentstore.Document, res *extract.Result) ([]staging.Assertion, error)
}

// Registry holds the registered extractors.
type Registry struct {
	mu         sync.RWMutex
	extractors []Extractor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// DefaultRegistry returns a registry with the built-in extractors: rent
// roll tables, operating expenses, and narrative property facts.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&rentRollExtractor{})
	r.Register(&expenseExtractor{})
	r.Register(&narrativeExtractor{})
	return r
}

// Register adds an extractor.
func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors = append(r.extractors, e)
}

// Match returns every extractor applicable to the document.
func (r *Registry) Match(mimeType string, tags []classify.Tag) []Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Extractor
	for _, e := range r.extractors {
		if e.CanHandle(mimeType, tags) {
			matched = append(matched, e)
		}
	}
	return matched
}
