package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"streamvault/internal/domain"
	"streamvault/internal/repository"
)

const defaultFileName = "download"

// ErrInvalidRequest marks enqueue requests rejected before anything is persisted.
var ErrInvalidRequest = errors.New("invalid download request")

// TaskService coordinates task level operations backed by the task repository.
type TaskService interface {
	CreateTask(ctx context.Context, req domain.EnqueueRequest) (*domain.Task, error)
	ResetTask(ctx context.Context, task *domain.Task) (*domain.Task, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	ListByMedia(ctx context.Context, mediaID string) ([]domain.Task, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errMsg *string) error
	UpdateProgress(ctx context.Context, id string, progress float64, bytesWritten int64, totalBytes *int64) error
	MarkCompleted(ctx context.Context, id, destinationPath string, size int64) error
	DeleteTask(ctx context.Context, id string) error
}

type taskService struct {
	tasks repository.TaskRepository
}

func NewTaskService(tasks repository.TaskRepository) TaskService {
	return &taskService{tasks: tasks}
}

// CreateTask persists a new queued task for the request.
func (s *taskService) CreateTask(ctx context.Context, req domain.EnqueueRequest) (*domain.Task, error) {
	if strings.TrimSpace(req.StreamURL) == "" {
		return nil, fmt.Errorf("%w: stream URL is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.MediaID) == "" {
		return nil, fmt.Errorf("%w: media id is required", ErrInvalidRequest)
	}

	fileName := req.FileName
	if strings.TrimSpace(fileName) == "" {
		fileName = FileNameFromURL(req.StreamURL)
	}

	task := &domain.Task{
		ID:        uuid.NewString(),
		StreamURL: req.StreamURL,
		FileName:  fileName,
		MediaID:   req.MediaID,
		EpisodeID: req.EpisodeID,
		Metadata:  req.Metadata,
		Status:    domain.TaskStatusQueued,
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// ResetTask persists a queued copy of task with every progress and result field cleared.
func (s *taskService) ResetTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	reset := &domain.Task{
		ID:        task.ID,
		StreamURL: task.StreamURL,
		FileName:  task.FileName,
		MediaID:   task.MediaID,
		EpisodeID: task.EpisodeID,
		Metadata:  task.Metadata,
		Status:    domain.TaskStatusQueued,
		CreatedAt: task.CreatedAt,
		UpdatedAt: time.Now(),
	}
	if err := s.tasks.Save(ctx, reset); err != nil {
		return nil, err
	}
	return reset, nil
}

func (s *taskService) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return s.tasks.Get(ctx, id)
}

func (s *taskService) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.tasks.List(ctx)
}

func (s *taskService) ListByMedia(ctx context.Context, mediaID string) ([]domain.Task, error) {
	return s.tasks.ListByMedia(ctx, mediaID)
}

func (s *taskService) ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	return s.tasks.ListByStatuses(ctx, statuses...)
}

func (s *taskService) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errMsg *string) error {
	return s.tasks.UpdateStatus(ctx, id, status, errMsg)
}

func (s *taskService) UpdateProgress(ctx context.Context, id string, progress float64, bytesWritten int64, totalBytes *int64) error {
	return s.tasks.UpdateProgress(ctx, id, progress, bytesWritten, totalBytes, nil)
}

func (s *taskService) MarkCompleted(ctx context.Context, id, destinationPath string, size int64) error {
	return s.tasks.MarkCompleted(ctx, id, destinationPath, size)
}

func (s *taskService) DeleteTask(ctx context.Context, id string) error {
	return s.tasks.Delete(ctx, id)
}

// FileNameFromURL returns the last path segment of rawURL, or a generic name when there is none.
func FileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultFileName
	}
	if u.Scheme == "magnet" {
		if dn := u.Query().Get("dn"); dn != "" {
			return dn
		}
		return defaultFileName
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return defaultFileName
	}
	return name
}
