package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

type HTTPConfig struct {
	StagingDir string
	Client     *http.Client
	UserAgent  string
}

// HTTPExecutor fetches http and https streams with a single GET.
type HTTPExecutor struct {
	cfg HTTPConfig
}

func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.Client == nil {
		// no overall timeout; cancellation comes from the request context
		cfg.Client = &http.Client{}
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	return &HTTPExecutor{cfg: cfg}
}

func (e *HTTPExecutor) Fetch(ctx context.Context, u *url.URL, onProgress ProgressFunc) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}

	resp, err := e.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	f, keep, cleanup, err := createTemp(e.cfg.StagingDir, "http-*.part")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pw := newProgressWriter(f, resp.ContentLength, onProgress)
	n, err := io.Copy(pw, resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, fmt.Errorf("short response body: got %d of %d bytes", n, resp.ContentLength)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	keep()
	return &Result{
		Path:          f.Name(),
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: n,
	}, nil
}

var _ Executor = (*HTTPExecutor)(nil)
