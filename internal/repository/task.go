package repository

import (
	"context"
	"errors"

	"streamvault/internal/domain"
)

// ErrTaskNotFound is returned when no task exists for the requested id.
var ErrTaskNotFound = errors.New("task not found")

// TaskRepository exposes persistence operations for download tasks.
// Implementations must tolerate concurrent calls for distinct ids.
type TaskRepository interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	ListByMedia(ctx context.Context, mediaID string) ([]domain.Task, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errorMessage *string) error
	UpdateProgress(ctx context.Context, id string, progress float64, bytesWritten int64, totalBytes *int64, destinationPath *string) error
	MarkCompleted(ctx context.Context, id string, destinationPath string, size int64) error
	Delete(ctx context.Context, id string) error
}
