package pdftext

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// chunkReader yields its chunks one Read call at a time and records how
// many bytes the consumer actually pulled.
type chunkReader struct {
	chunks    [][]byte
	next      int
	bytesRead int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.next >= len(c.chunks) {
		return 0, io.EOF
	}
	chunk := c.chunks[c.next]
	c.next++
	n := copy(p, chunk)
	c.bytesRead += n
	return n, nil
}

func TestReadBounded_AbortsAtFirstExcessChunk(t *testing.T) {
	src := &chunkReader{chunks: [][]byte{
		bytes.Repeat([]byte{'a'}, 100),
		bytes.Repeat([]byte{'b'}, 100),
		bytes.Repeat([]byte{'c'}, 100), // crosses the limit
		bytes.Repeat([]byte{'d'}, 100), // must never be read
	}}

	_, err := readBounded(src, 250)
	if !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("err = %v, want ErrSizeExceeded", err)
	}
	if src.bytesRead != 300 {
		t.Errorf("read %d bytes, want 300 (abort at the chunk that crossed the limit)", src.bytesRead)
	}
	if src.next != 3 {
		t.Errorf("consumed %d chunks, want 3", src.next)
	}
}

func TestReadBounded_UnderBudget(t *testing.T) {
	src := &chunkReader{chunks: [][]byte{[]byte("hello "), []byte("world")}}

	got, err := readBounded(src, 100)
	if err != nil {
		t.Fatalf("readBounded: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestReadBounded_ExactBudget(t *testing.T) {
	src := &chunkReader{chunks: [][]byte{[]byte("12345")}}

	got, err := readBounded(src, 5)
	if err != nil {
		t.Fatalf("exact budget must not error: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("len = %d, want 5", len(got))
	}
}

func TestDownload_SizeExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{'x'}, 4096))
	}))
	defer srv.Close()

	_, err := Download(context.Background(), srv.Client(), srv.URL, 1024)
	if !errors.Is(err, ErrSizeExceeded) {
		t.Errorf("err = %v, want ErrSizeExceeded", err)
	}
}

func TestDownload_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Download(context.Background(), srv.Client(), srv.URL, 1024)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if errors.Is(err, ErrSizeExceeded) {
		t.Error("status failure must not be reported as size excess")
	}
}

func TestDownload_EmptyURL(t *testing.T) {
	_, err := Download(context.Background(), nil, "", 1024)
	if err == nil {
		t.Fatal("expected error for empty URL")
	}
}

func TestProbeSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Length", "2048")
	}))
	defer srv.Close()

	n, err := ProbeSize(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("ProbeSize: %v", err)
	}
	if n != 2048 {
		t.Errorf("size = %d, want 2048", n)
	}
}

func TestProbeSize_MissingContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := ProbeSize(context.Background(), srv.Client(), srv.URL); err == nil {
		t.Error("expected error when Content-Length is absent")
	}
}

func TestProbeSize_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := ProbeSize(context.Background(), srv.Client(), srv.URL); err == nil {
		t.Error("expected error for 403")
	}
}
