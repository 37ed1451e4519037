package transfer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func stagingEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("read staging dir: %v", err)
	}
	return len(entries)
}

func TestHTTPExecutorFetch(t *testing.T) {
	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/x-matroska")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}))
	defer server.Close()

	exec := NewHTTPExecutor(HTTPConfig{StagingDir: t.TempDir()})

	var (
		lastWritten int64
		lastTotal   int64
		calls       int
	)
	res, err := exec.Fetch(context.Background(), mustParse(t, server.URL+"/video.mkv"), func(delta, written, expected int64) {
		calls++
		if written < lastWritten {
			t.Errorf("written went backwards: %d < %d", written, lastWritten)
		}
		lastWritten = written
		lastTotal = expected
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer os.Remove(res.Path)

	if calls == 0 {
		t.Fatal("expected progress callbacks")
	}
	if lastWritten != int64(len(data)) || lastTotal != int64(len(data)) {
		t.Errorf("expected final sample %d/%d, got %d/%d", len(data), len(data), lastWritten, lastTotal)
	}
	if res.ContentType != "video/x-matroska" || res.ContentLength != int64(len(data)) {
		t.Errorf("unexpected result metadata: %+v", res)
	}

	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read temp file: %v", err)
	}
	if len(got) != len(data) {
		t.Errorf("expected %d bytes on disk, got %d", len(data), len(got))
	}
}

func TestHTTPExecutorBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	staging := t.TempDir()
	exec := NewHTTPExecutor(HTTPConfig{StagingDir: staging})
	if _, err := exec.Fetch(context.Background(), mustParse(t, server.URL), nil); err == nil {
		t.Fatal("expected error for 404")
	}
	if n := stagingEntries(t, staging); n != 0 {
		t.Errorf("expected empty staging dir, found %d entries", n)
	}
}

func TestHTTPExecutorCancelRemovesPartialFile(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write(make([]byte, 100))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	staging := t.TempDir()
	exec := NewHTTPExecutor(HTTPConfig{StagingDir: staging})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once bool
	go func() {
		<-started
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := exec.Fetch(ctx, mustParse(t, server.URL), func(delta, written, expected int64) {
			if !once {
				once = true
				close(started)
			}
		})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not abort after cancellation")
	}
	if n := stagingEntries(t, staging); n != 0 {
		t.Errorf("expected partial file removed, found %d entries", n)
	}
}

func TestRouterUnsupportedScheme(t *testing.T) {
	r := NewRouter()
	r.Register(NewHTTPExecutor(HTTPConfig{}), "http", "https")

	_, err := r.Fetch(context.Background(), mustParse(t, "ftp://x/y"), nil)
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := parseS3URL(mustParse(t, "s3://media/shows/pilot.mkv"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if bucket != "media" || key != "shows/pilot.mkv" {
		t.Errorf("got bucket=%q key=%q", bucket, key)
	}

	for _, raw := range []string{"s3://media", "s3:///key", "https://media/key"} {
		if _, _, err := parseS3URL(mustParse(t, raw)); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}
