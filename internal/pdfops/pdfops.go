// Package pdfops wraps the PDF operations the pipeline needs: probing for
// embedded text, extracting it, and writing document properties.
package pdfops

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Tools performs PDF inspection and mutation on local files.
type Tools struct {
	conf *model.Configuration
}

// New returns Tools with relaxed validation, which keeps slightly malformed
// scanner output processable.
func New() *Tools {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Tools{conf: conf}
}

// HasEmbeddedText reports whether any page of the PDF carries an extractable
// text layer. Scanned documents without OCR come back false.
func (t *Tools) HasEmbeddedText(path string) (found bool, err error) {
	// The parser panics on some malformed content streams; treat that as
	// "no text layer" rather than crashing the worker.
	defer func() {
		if r := recover(); r != nil {
			found = false
			err = fmt.Errorf("parsing pdf %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			return true, nil
		}
	}

	return false, nil
}

// ExtractText returns the text of all pages joined with newlines.
func (t *Tools) ExtractText(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("parsing pdf %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	var pages []string
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		pageText, err := p.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("extracting page %d: %w", i, err)
		}
		pages = append(pages, pageText)
	}

	return strings.Join(pages, "\n"), nil
}

// PageCount returns the number of pages in the PDF.
func (t *Tools) PageCount(path string) (int, error) {
	count, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("counting pages: %w", err)
	}
	return count, nil
}

// EmbedProperties writes document info properties (Title, Author, Subject,
// Keywords) from in to out, leaving in untouched.
func (t *Tools) EmbedProperties(in, out string, props map[string]string) error {
	if err := api.AddPropertiesFile(in, out, props, t.conf); err != nil {
		return fmt.Errorf("embedding properties: %w", err)
	}
	return nil
}
