// Package extract turns raw document bytes into plain text plus detected
// table regions, one parser per format family.
//
// Supported formats:
//   - PDF   — text layer via pdfcpu content streams, tabular-line detection
//   - XLSX  — archive/zip → SpreadsheetML, cell by cell, one region per sheet
//   - DOCX  — archive/zip → WordprocessingML, paragraphs and tables
//   - CSV   — encoding/csv, whole body as one region
//   - HTML  — x/net/html, visible text plus <table> regions
//   - TXT/MD — whitespace-normalised passthrough
//
// Scanned (image-only) PDFs are out of scope: a PDF whose text layer yields
// nothing usable fails with ErrNoText rather than falling back to OCR.
//
// Usage:
//
//	p := extract.New(extract.Config{})
//	res, err := p.Extract(ctx, data, extract.MIMEPDF)
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoText is returned when a document contains no usable text.
var ErrNoText = errors.New("extract: no usable text")

// ErrUnsupported is returned for MIME types with no parser.
var ErrUnsupported = errors.New("extract: unsupported format")

// Config configures the extraction pipeline.
type Config struct {
	// Logger for debug messages. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pipeline is the format-dispatching extraction engine.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{cfg: cfg}
}

// Extract parses document bytes according to their MIME type.
func (p *Pipeline) Extract(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.cfg.Logger.Debug("extracting", "mime", mimeType, "bytes", len(data))

	var res *Result
	var err error

	switch mimeType {
	case MIMEPDF:
		res, err = extractPDF(data)
	case MIMEXLSX:
		res, err = extractXLSX(data)
	case MIMEDocx:
		res, err = extractDocx(data)
	case MIMECSV:
		res, err = extractCSV(data)
	case MIMEHTML:
		res, err = extractHTML(data)
	case MIMEText, MIMEMarkdown:
		res, err = extractText(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, mimeType)
	}

	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", mimeType, err)
	}
	if res.Text == "" && len(res.Tables) == 0 {
		return nil, ErrNoText
	}
	if res.Quality != nil && !res.Quality.Usable() {
		return nil, fmt.Errorf("%w: printable ratio %.2f, %.0f chars/page",
			ErrNoText, res.Quality.PrintableRatio, res.Quality.CharsPerPage)
	}
	return res, nil
}
