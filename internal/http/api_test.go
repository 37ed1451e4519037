package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"streamvault/internal/domain"
	"streamvault/internal/downloader"
	"streamvault/internal/events"
	"streamvault/internal/repository"
	"streamvault/internal/service"
)

type stubManager struct {
	mu        sync.Mutex
	tasks     map[string]domain.Task
	order     []string
	cancelled []string
	retryErr  error
	removed   []string
}

func newStubManager() *stubManager {
	return &stubManager{tasks: make(map[string]domain.Task)}
}

func (s *stubManager) Start(ctx context.Context) error  { return nil }
func (s *stubManager) Shutdown()                        {}
func (s *stubManager) Resume(ctx context.Context) error { return nil }

func (s *stubManager) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Task, error) {
	if strings.TrimSpace(req.StreamURL) == "" || strings.TrimSpace(req.MediaID) == "" {
		return nil, fmt.Errorf("%w: stream URL and media id are required", service.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task := domain.Task{
		ID:        "task-" + req.MediaID,
		StreamURL: req.StreamURL,
		FileName:  req.FileName,
		MediaID:   req.MediaID,
		EpisodeID: req.EpisodeID,
		Metadata:  req.Metadata,
		Status:    domain.TaskStatusQueued,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	return &task, nil
}

func (s *stubManager) List(ctx context.Context) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.order))
	for _, id := range s.order {
		if task, ok := s.tasks[id]; ok {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *stubManager) Get(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, repository.ErrTaskNotFound
	}
	return &task, nil
}

func (s *stubManager) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *stubManager) Retry(ctx context.Context, id string) error {
	return s.retryErr
}

func (s *stubManager) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return repository.ErrTaskNotFound
	}
	delete(s.tasks, id)
	s.removed = append(s.removed, id)
	return nil
}

func (s *stubManager) RemoveForMedia(ctx context.Context, mediaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, task := range s.tasks {
		if task.MediaID == mediaID {
			delete(s.tasks, id)
			s.removed = append(s.removed, id)
		}
	}
	return nil
}

func newTestRouter(mgr downloader.Manager, broadcaster *events.Broadcaster, secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(mgr, broadcaster, secret).RegisterRoutes(router)
	return router
}

func doRequest(router http.Handler, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueAndGet(t *testing.T) {
	mgr := newStubManager()
	router := newTestRouter(mgr, events.NewBroadcaster(), "")

	rec := doRequest(router, http.MethodPost, "/api/downloads", map[string]any{
		"stream_url": "https://cdn.example.com/movie.mp4",
		"file_name":  "movie.mp4",
		"media_id":   "m1",
		"metadata":   map[string]any{"title": "Movie", "season": 2},
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var created TaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "task-m1" || created.Status != domain.TaskStatusQueued {
		t.Fatalf("unexpected task: %+v", created)
	}
	if created.Metadata.Title != "Movie" || created.Metadata.Season == nil || *created.Metadata.Season != 2 {
		t.Fatalf("metadata not forwarded: %+v", created.Metadata)
	}

	rec = doRequest(router, http.MethodGet, "/api/downloads/task-m1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(router, http.MethodGet, "/api/downloads/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestEnqueueValidation(t *testing.T) {
	router := newTestRouter(newStubManager(), events.NewBroadcaster(), "")

	bodies := []map[string]any{
		{"media_id": "m1"},
		{"stream_url": "   ", "media_id": "m1"},
		{"stream_url": "https://a/x.mp4", "media_id": " "},
	}
	for _, body := range bodies {
		rec := doRequest(router, http.MethodPost, "/api/downloads", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %v: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestListFiltersByMedia(t *testing.T) {
	mgr := newStubManager()
	ctx := context.Background()
	_, _ = mgr.Enqueue(ctx, domain.EnqueueRequest{StreamURL: "https://a/x.mp4", MediaID: "m1"})
	_, _ = mgr.Enqueue(ctx, domain.EnqueueRequest{StreamURL: "https://a/y.mp4", MediaID: "m2"})
	router := newTestRouter(mgr, events.NewBroadcaster(), "")

	rec := doRequest(router, http.MethodGet, "/api/downloads?media_id=m2", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var tasks []TaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0].MediaID != "m2" {
		t.Fatalf("unexpected list: %+v", tasks)
	}

	rec = doRequest(router, http.MethodGet, "/api/downloads", nil, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestCancelRetryRemove(t *testing.T) {
	mgr := newStubManager()
	_, _ = mgr.Enqueue(context.Background(), domain.EnqueueRequest{StreamURL: "https://a/x.mp4", MediaID: "m1"})
	router := newTestRouter(mgr, events.NewBroadcaster(), "")

	if rec := doRequest(router, http.MethodPost, "/api/downloads/task-m1/cancel", nil, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: expected 202, got %d", rec.Code)
	}
	if len(mgr.cancelled) != 1 || mgr.cancelled[0] != "task-m1" {
		t.Fatalf("cancel not forwarded: %v", mgr.cancelled)
	}

	mgr.retryErr = downloader.ErrJobRunning
	if rec := doRequest(router, http.MethodPost, "/api/downloads/task-m1/retry", nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("retry: expected 409, got %d", rec.Code)
	}
	mgr.retryErr = nil
	if rec := doRequest(router, http.MethodPost, "/api/downloads/task-m1/retry", nil, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("retry: expected 202, got %d", rec.Code)
	}

	if rec := doRequest(router, http.MethodDelete, "/api/downloads/task-m1", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", rec.Code)
	}
	if rec := doRequest(router, http.MethodDelete, "/api/downloads/task-m1", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second remove: expected 404, got %d", rec.Code)
	}
}

func TestRemoveForMedia(t *testing.T) {
	mgr := newStubManager()
	ctx := context.Background()
	_, _ = mgr.Enqueue(ctx, domain.EnqueueRequest{StreamURL: "https://a/x.mp4", MediaID: "m1"})
	_, _ = mgr.Enqueue(ctx, domain.EnqueueRequest{StreamURL: "https://a/y.mp4", MediaID: "m2"})
	router := newTestRouter(mgr, events.NewBroadcaster(), "")

	if rec := doRequest(router, http.MethodDelete, "/api/media/m1/downloads", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, err := mgr.Get(ctx, "task-m1"); err == nil {
		t.Fatal("expected m1 task removed")
	}
	if _, err := mgr.Get(ctx, "task-m2"); err != nil {
		t.Fatalf("expected m2 task kept: %v", err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	router := newTestRouter(newStubManager(), events.NewBroadcaster(), secret)

	if rec := doRequest(router, http.MethodGet, "/api/health", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("health should be public, got %d", rec.Code)
	}
	if rec := doRequest(router, http.MethodGet, "/api/downloads", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	bad := http.Header{"Authorization": []string{"Bearer not-a-token"}}
	if rec := doRequest(router, http.MethodGet, "/api/downloads", nil, bad); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "player",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	good := http.Header{"Authorization": []string{"Bearer " + token}}
	if rec := doRequest(router, http.MethodGet, "/api/downloads", nil, good); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "player",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte(secret))
	stale := http.Header{"Authorization": []string{"Bearer " + expired}}
	if rec := doRequest(router, http.MethodGet, "/api/downloads", nil, stale); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with expired token, got %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	broadcaster := events.NewBroadcaster()
	server := httptest.NewServer(newTestRouter(newStubManager(), broadcaster, ""))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/downloads/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event:"); ok {
				return name
			}
		}
	}

	if name := readEvent(); name != "ready" {
		t.Fatalf("expected ready event, got %q", name)
	}
	broadcaster.Notify()
	if name := readEvent(); name != "changed" {
		t.Fatalf("expected changed event, got %q", name)
	}
}
