package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"streamvault/internal/domain"
	"streamvault/internal/repository"
)

const (
	createTasksTable = `
CREATE TABLE IF NOT EXISTS download_tasks (
	id TEXT PRIMARY KEY,
	stream_url TEXT NOT NULL,
	file_name TEXT NOT NULL DEFAULT '',
	media_id TEXT NOT NULL,
	episode_id TEXT NULL,
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	bytes_written INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NULL,
	destination_path TEXT NULL,
	error_message TEXT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_download_tasks_media_id ON download_tasks(media_id);
`

	taskColumns = `id, stream_url, file_name, media_id, episode_id, title, media_kind, poster_url, season, episode, status, progress, bytes_written, total_bytes, destination_path, error_message, created_at, updated_at`
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("create download_tasks table: %w", err)
	}
	if err := r.ensureTaskColumns(ctx); err != nil {
		return err
	}
	return nil
}

// ensureTaskColumns adds the display metadata columns to databases created before they existed.
func (r *TaskRepository) ensureTaskColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(download_tasks)`)
	if err != nil {
		return fmt.Errorf("describe download_tasks table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	for _, col := range []struct{ name, stmt string }{
		{"title", `ALTER TABLE download_tasks ADD COLUMN title TEXT NOT NULL DEFAULT ''`},
		{"media_kind", `ALTER TABLE download_tasks ADD COLUMN media_kind TEXT NOT NULL DEFAULT ''`},
		{"poster_url", `ALTER TABLE download_tasks ADD COLUMN poster_url TEXT NOT NULL DEFAULT ''`},
		{"season", `ALTER TABLE download_tasks ADD COLUMN season INTEGER NULL`},
		{"episode", `ALTER TABLE download_tasks ADD COLUMN episode INTEGER NULL`},
	} {
		if err := addColumn(col.name, col.stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save inserts the task or replaces every column of an existing record with the same id.
func (r *TaskRepository) Save(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO download_tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	stream_url=excluded.stream_url,
	file_name=excluded.file_name,
	media_id=excluded.media_id,
	episode_id=excluded.episode_id,
	title=excluded.title,
	media_kind=excluded.media_kind,
	poster_url=excluded.poster_url,
	season=excluded.season,
	episode=excluded.episode,
	status=excluded.status,
	progress=excluded.progress,
	bytes_written=excluded.bytes_written,
	total_bytes=excluded.total_bytes,
	destination_path=excluded.destination_path,
	error_message=excluded.error_message,
	created_at=excluded.created_at,
	updated_at=excluded.updated_at`,
		task.ID,
		task.StreamURL,
		task.FileName,
		task.MediaID,
		nullString(task.EpisodeID),
		task.Metadata.Title,
		task.Metadata.MediaKind,
		task.Metadata.PosterURL,
		nullInt(task.Metadata.Season),
		nullInt(task.Metadata.Episode),
		string(task.Status),
		task.Progress,
		task.BytesWritten,
		nullInt64(task.TotalBytes),
		nullString(task.DestinationPath),
		nullString(task.ErrorMessage),
		task.CreatedAt.UTC(),
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// UpdateStatus sets the status and error message. The destination path survives only for completed tasks.
func (r *TaskRepository) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errorMessage *string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE download_tasks
SET status=?,
	error_message=?,
	destination_path=CASE WHEN ? = 'completed' THEN destination_path ELSE NULL END,
	updated_at=?
WHERE id=?`,
		string(status),
		nullString(errorMessage),
		string(status),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// UpdateProgress records transfer progress. Nil totalBytes or destinationPath keep the stored values.
func (r *TaskRepository) UpdateProgress(ctx context.Context, id string, progress float64, bytesWritten int64, totalBytes *int64, destinationPath *string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE download_tasks
SET progress=?, bytes_written=?, total_bytes=COALESCE(?, total_bytes), destination_path=COALESCE(?, destination_path), updated_at=?
WHERE id=?`,
		progress,
		bytesWritten,
		nullInt64(totalBytes),
		nullString(destinationPath),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	return nil
}

// MarkCompleted writes the final size, destination and completed status in one statement.
func (r *TaskRepository) MarkCompleted(ctx context.Context, id string, destinationPath string, size int64) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE download_tasks
SET status=?, progress=1.0, bytes_written=?, total_bytes=?, destination_path=?, error_message=NULL, updated_at=?
WHERE id=?`,
		string(domain.TaskStatusCompleted),
		size,
		size,
		destinationPath,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM download_tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task delete rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrTaskNotFound
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM download_tasks
WHERE id=?`,
		id,
	)
	return scanTask(row)
}

func (r *TaskRepository) List(ctx context.Context) ([]domain.Task, error) {
	return r.query(ctx, `
SELECT `+taskColumns+`
FROM download_tasks
ORDER BY created_at DESC, id ASC`)
}

func (r *TaskRepository) ListByMedia(ctx context.Context, mediaID string) ([]domain.Task, error) {
	return r.query(ctx, `
SELECT `+taskColumns+`
FROM download_tasks
WHERE media_id=?
ORDER BY created_at DESC, id ASC`, mediaID)
}

func (r *TaskRepository) ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return []domain.Task{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(`
SELECT %s
FROM download_tasks
WHERE status IN (%s)
ORDER BY created_at ASC, id ASC`, taskColumns, strings.Join(placeholders, ","))
	return r.query(ctx, query, args...)
}

func (r *TaskRepository) query(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var (
		task            domain.Task
		status          string
		episodeID       sql.NullString
		season          sql.NullInt64
		episode         sql.NullInt64
		totalBytes      sql.NullInt64
		destinationPath sql.NullString
		errorMessage    sql.NullString
		createdAt       time.Time
		updatedAt       time.Time
	)

	if err := scanner.Scan(
		&task.ID,
		&task.StreamURL,
		&task.FileName,
		&task.MediaID,
		&episodeID,
		&task.Metadata.Title,
		&task.Metadata.MediaKind,
		&task.Metadata.PosterURL,
		&season,
		&episode,
		&status,
		&task.Progress,
		&task.BytesWritten,
		&totalBytes,
		&destinationPath,
		&errorMessage,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = domain.TaskStatus(status)
	task.CreatedAt = createdAt.Local()
	task.UpdatedAt = updatedAt.Local()
	if episodeID.Valid {
		task.EpisodeID = &episodeID.String
	}
	if season.Valid {
		v := int(season.Int64)
		task.Metadata.Season = &v
	}
	if episode.Valid {
		v := int(episode.Int64)
		task.Metadata.Episode = &v
	}
	if totalBytes.Valid {
		task.TotalBytes = &totalBytes.Int64
	}
	if destinationPath.Valid {
		task.DestinationPath = &destinationPath.String
	}
	if errorMessage.Valid {
		task.ErrorMessage = &errorMessage.String
	}

	return &task, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
