package pdftext

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNoText is returned when a document yields no extractable text at
// all, which usually means scanned or image-only content. Kept distinct
// from download failures so callers can message it differently.
var ErrNoText = errors.New("no extractable text, likely image-only content")

// DefaultMaxPages bounds how deep into a filing the extractor reads.
// Earnings summaries front-load the numbers; later pages are notes.
const DefaultMaxPages = 35

// Extract returns the plain text of the first maxPages pages of the PDF
// in data. Pages whose text is empty or whitespace-only are skipped.
// Encrypted documents get a best-effort open with an empty password.
func Extract(data []byte, maxPages int) (string, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	reader, err := openReader(data)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}

	var texts []string
	n := reader.NumPage()
	if n > maxPages {
		n = maxPages
	}
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue // a single bad page must not sink the document
		}
		if strings.TrimSpace(text) != "" {
			texts = append(texts, text)
		}
	}

	out := strings.TrimSpace(strings.Join(texts, "\n\n"))
	if out == "" {
		return "", ErrNoText
	}
	return out, nil
}

// openReader opens data as a PDF, retrying with an empty password when
// the plain open reports encryption.
func openReader(data []byte) (*pdf.Reader, error) {
	r := bytes.NewReader(data)
	reader, err := pdf.NewReader(r, int64(len(data)))
	if err == nil {
		return reader, nil
	}

	// Some filings ship encrypted with a blank owner password.
	reader, encErr := pdf.NewReaderEncrypted(bytes.NewReader(data), int64(len(data)), func() string { return "" })
	if encErr == nil {
		return reader, nil
	}
	return nil, err
}

// Truncate cuts text to at most maxChars characters. The budget bounds
// summarization cost and latency; the cut is a hard count, not page-aware.
// Counting runes rather than bytes keeps the full budget for Japanese
// filings and never splits a character.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	n := 0
	for i := range text {
		if n == maxChars {
			return text[:i]
		}
		n++
	}
	return text
}
