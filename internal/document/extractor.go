// Package document converts uploaded files into plain text.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	// ErrUnsupportedFormat is returned for anything that is not declared as a PDF.
	ErrUnsupportedFormat = errors.New("only PDF files are supported")
	// ErrExtraction matches every *ExtractionError via errors.Is.
	ErrExtraction = errors.New("error reading PDF")
)

// DefaultMaxPages bounds the number of pages read from a single upload.
const DefaultMaxPages = 500

var pdfMagic = []byte("%PDF-")

// ExtractionError reports a corrupt or unreadable PDF.
type ExtractionError struct {
	Filename string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s %s: %v", ErrExtraction, e.Filename, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrExtraction) match.
func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }

// Extractor extracts raw text from PDF uploads.
type Extractor struct {
	maxPages int
}

// NewExtractor creates an extractor reading at most maxPages pages.
func NewExtractor(maxPages int) *Extractor {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Extractor{maxPages: maxPages}
}

// IsPDF reports whether filename is declared as a PDF.
func IsPDF(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".pdf")
}

// ExtractText returns the text of every page joined by newlines.
// A page that cannot be read contributes an empty string.
func (e *Extractor) ExtractText(data []byte, filename string) (text string, err error) {
	if !IsPDF(filename) {
		return "", ErrUnsupportedFormat
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return "", &ExtractionError{Filename: filename, Err: errors.New("missing %PDF header")}
	}

	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = &ExtractionError{Filename: filename, Err: fmt.Errorf("parser panic: %v", r)}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", &ExtractionError{Filename: filename, Err: err}
	}

	return joinPages(pdfPages{reader}, e.maxPages, filename), nil
}

// pageSource is the slice of a PDF reader joinPages needs.
type pageSource interface {
	NumPage() int
	PageText(num int) (string, error)
}

type pdfPages struct {
	r *pdf.Reader
}

func (p pdfPages) NumPage() int { return p.r.NumPage() }

func (p pdfPages) PageText(num int) (string, error) {
	page := p.r.Page(num)
	if page.V.IsNull() {
		return "", fmt.Errorf("page %d missing", num)
	}
	return page.GetPlainText(nil)
}

func joinPages(src pageSource, maxPages int, filename string) string {
	total := src.NumPage()
	if total > maxPages {
		slog.Warn("PDF page limit reached, truncating", "filename", filename, "pages", total, "limit", maxPages)
		total = maxPages
	}

	pages := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		pages = append(pages, pageText(src, i, filename))
	}
	return strings.TrimSpace(strings.Join(pages, "\n"))
}

func pageText(src pageSource, num int, filename string) (text string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("PDF page unreadable", "filename", filename, "page", num, "panic", r)
			text = ""
		}
	}()

	text, err := src.PageText(num)
	if err != nil {
		slog.Warn("PDF page unreadable", "filename", filename, "page", num, "error", err)
		return ""
	}
	return text
}
