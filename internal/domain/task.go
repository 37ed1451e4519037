package domain

import (
	"errors"
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued      TaskStatus = "queued"
	TaskStatusResolving   TaskStatus = "resolving"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// ErrInvalidStreamURL is persisted as the failure message of tasks whose source cannot be parsed.
var ErrInvalidStreamURL = errors.New("Invalid stream URL")

// IsTerminal reports whether no job is associated with a task in this status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Metadata is carried for display only.
type Metadata struct {
	Title     string
	MediaKind string
	PosterURL string
	Season    *int
	Episode   *int
}

// Task is the durable record of one requested media transfer.
type Task struct {
	ID              string
	StreamURL       string
	FileName        string
	MediaID         string
	EpisodeID       *string
	Metadata        Metadata
	Status          TaskStatus
	Progress        float64
	BytesWritten    int64
	TotalBytes      *int64
	DestinationPath *string
	ErrorMessage    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EnqueueRequest describes a stream to download.
type EnqueueRequest struct {
	StreamURL string
	FileName  string
	MediaID   string
	EpisodeID *string
	Metadata  Metadata
}
