package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrSizeExceeded is returned when a download crosses the byte budget.
// The budget is a hard bound protecting memory and summarization cost.
var ErrSizeExceeded = errors.New("document size exceeds byte budget")

const (
	downloadTimeout = 35 * time.Second
	probeTimeout    = 10 * time.Second
	readChunkSize   = 128 * 1024
)

// Download streams the document at url into memory, aborting with
// ErrSizeExceeded as soon as the accumulated size crosses maxBytes. The
// full body is never buffered past that point.
func Download(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, error) {
	if url == "" {
		return nil, errors.New("document URL is empty")
	}
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("document download returned status %d", resp.StatusCode)
	}

	return readBounded(resp.Body, maxBytes)
}

// readBounded reads r in chunks, stopping the moment the running total
// exceeds maxBytes.
func readBounded(r io.Reader, maxBytes int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)
	var total int64

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if maxBytes > 0 && total > maxBytes {
				return nil, fmt.Errorf("%w (>%d bytes)", ErrSizeExceeded, maxBytes)
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading document body: %w", err)
		}
	}
}

// ProbeSize issues a HEAD request and returns the Content-Length, or an
// error when the size cannot be determined. Callers treat an unknown size
// as a soft warning, not a block.
func ProbeSize(ctx context.Context, client *http.Client, url string) (int64, error) {
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating size probe: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probing document size: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("size probe returned status %d", resp.StatusCode)
	}

	cl := resp.Header.Get("Content-Length")
	if cl == "" {
		return 0, errors.New("no Content-Length header")
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unusable Content-Length %q", cl)
	}
	return n, nil
}
