package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"
)

// ErrUnsupportedScheme is returned for stream URLs no executor can fetch.
var ErrUnsupportedScheme = errors.New("unsupported stream scheme")

// ProgressFunc receives the bytes written by the latest chunk, the running total and the expected total
// (negative when unknown). It may be called from any goroutine.
type ProgressFunc func(delta, written, expected int64)

// Result describes a completed fetch. The caller owns Path and must move or remove it.
type Result struct {
	Path          string
	ContentType   string
	ContentLength int64
}

// Executor fetches a remote resource into a local temporary file.
// Implementations must return promptly once ctx is cancelled and must not leave partial files behind on error.
type Executor interface {
	Fetch(ctx context.Context, u *url.URL, onProgress ProgressFunc) (*Result, error)
}

// Router dispatches fetches to an executor registered for the URL scheme.
type Router struct {
	executors map[string]Executor
}

func NewRouter() *Router {
	return &Router{executors: make(map[string]Executor)}
}

func (r *Router) Register(e Executor, schemes ...string) {
	for _, scheme := range schemes {
		r.executors[scheme] = e
	}
}

func (r *Router) Fetch(ctx context.Context, u *url.URL, onProgress ProgressFunc) (*Result, error) {
	e, ok := r.executors[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
	return e.Fetch(ctx, u, onProgress)
}

var _ Executor = (*Router)(nil)

// progressWriter counts bytes written to w and reports them through cb.
type progressWriter struct {
	mu       sync.Mutex
	w        io.Writer
	wa       io.WriterAt
	written  int64
	expected int64
	cb       ProgressFunc
}

func newProgressWriter(f *os.File, expected int64, cb ProgressFunc) *progressWriter {
	return &progressWriter{w: f, wa: f, expected: expected, cb: cb}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.report(n)
	return n, err
}

// WriteAt serves concurrent part writers; the running total stays monotonic.
func (p *progressWriter) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.wa.WriteAt(b, off)
	p.report(n)
	return n, err
}

func (p *progressWriter) report(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written += int64(n)
	if p.cb != nil {
		p.cb(int64(n), p.written, p.expected)
	}
}

// createTemp opens a new staging file; cleanup closes and removes it unless keep was called.
func createTemp(dir, pattern string) (f *os.File, keep func(), cleanup func(), err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create staging dir: %w", err)
	}
	f, err = os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create temp file: %w", err)
	}
	kept := false
	return f, func() { kept = true }, func() {
		_ = f.Close()
		if !kept {
			_ = os.Remove(f.Name())
		}
	}, nil
}
