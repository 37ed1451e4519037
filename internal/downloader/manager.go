package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"streamvault/internal/domain"
	"streamvault/internal/events"
	"streamvault/internal/repository"
	"streamvault/internal/service"
	"streamvault/internal/transfer"
)

var (
	// ErrCancelled is the cancellation cause of jobs stopped by Cancel or Remove.
	ErrCancelled = errors.New("download cancelled")
	// ErrJobRunning is returned by Retry while an uncancelled job still services the task.
	ErrJobRunning = errors.New("download job is still running")
	// ErrNotRetryable is returned by Retry for completed tasks and tasks outside the orchestrator's control.
	ErrNotRetryable = errors.New("download cannot be retried in its current state")

	errShutdown = errors.New("download manager shutting down")
)

// Manager runs at most one download job per task and drives every task to a terminal status.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Resume(ctx context.Context) error
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	RemoveForMedia(ctx context.Context, mediaID string) error
}

type Config struct {
	DownloadDir      string
	ProgressInterval time.Duration
	Logger           *logrus.Logger
	// Now is the clock used by the progress throttler.
	Now func() time.Time
}

type manager struct {
	cfg      Config
	tasks    service.TaskService
	executor transfer.Executor
	notifier events.Notifier
	jobs     *jobTable

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewManager(cfg Config, tasks service.TaskService, executor transfer.Executor, notifier events.Notifier) Manager {
	if cfg.ProgressInterval == 0 {
		cfg.ProgressInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &manager{
		cfg:      cfg,
		tasks:    tasks,
		executor: executor,
		notifier: notifier,
		jobs:     newJobTable(cfg.DownloadDir),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds job lifetimes to ctx. The downloads directory is created lazily before the first move.
func (m *manager) Start(ctx context.Context) error {
	if m.cfg.DownloadDir == "" {
		return errors.New("download directory is required")
	}
	m.ctx, m.cancel = context.WithCancelCause(ctx)
	m.cfg.Logger.Infof("download manager started, downloads dir: %s", m.cfg.DownloadDir)
	return nil
}

// Shutdown stops every job without marking it cancelled, so Resume restarts it on the next boot.
func (m *manager) Shutdown() {
	m.cancel(errShutdown)
	m.jobs.wait()
	m.cfg.Logger.Info("download manager stopped")
}

// Resume restarts tasks that were queued or mid-transfer when the process stopped. Transfers start over.
func (m *manager) Resume(ctx context.Context) error {
	tasks, err := m.tasks.ListByStatuses(ctx, domain.TaskStatusQueued, domain.TaskStatusDownloading)
	if err != nil {
		return err
	}

	for i := range tasks {
		task := &tasks[i]
		if task.Status == domain.TaskStatusDownloading {
			if task, err = m.tasks.ResetTask(ctx, task); err != nil {
				return fmt.Errorf("reset task %s: %w", tasks[i].ID, err)
			}
		}
		m.jobs.reserve(task.ID, task.FileName)
		m.start(task.ID)
	}
	if len(tasks) > 0 {
		m.cfg.Logger.Infof("resumed %d downloads", len(tasks))
		m.notify()
	}
	return nil
}

func (m *manager) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Task, error) {
	task, err := m.tasks.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}
	path := m.jobs.reserve(task.ID, task.FileName)
	m.cfg.Logger.WithField("task_id", task.ID).Infof("download queued, destination %s", path)
	m.start(task.ID)
	m.notify()
	return task, nil
}

func (m *manager) List(ctx context.Context) ([]domain.Task, error) {
	return m.tasks.ListTasks(ctx)
}

func (m *manager) Get(ctx context.Context, id string) (*domain.Task, error) {
	return m.tasks.GetTask(ctx, id)
}

// Cancel stops the running job, which settles its own status. Without a job, a non-terminal task is
// marked cancelled directly; persistence errors are logged, not returned.
func (m *manager) Cancel(ctx context.Context, id string) error {
	logger := m.cfg.Logger.WithField("task_id", id)

	var (
		idle    bool
		changed bool
		err     error
	)
	m.jobs.cancelOrElse(id, func() {
		idle = true
		changed, err = m.cancelIdle(ctx, id)
	})
	if !idle {
		logger.Info("cancel requested")
		return nil
	}
	if changed {
		m.notify()
	}
	return err
}

// cancelIdle marks a task without a job cancelled. It runs with the job table locked and must not notify.
func (m *manager) cancelIdle(ctx context.Context, id string) (bool, error) {
	logger := m.cfg.Logger.WithField("task_id", id)
	task, err := m.tasks.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return false, err
		}
		logger.Warnf("load task for cancel: %v", err)
		return false, nil
	}
	switch task.Status {
	case domain.TaskStatusQueued, domain.TaskStatusResolving, domain.TaskStatusDownloading:
		if err := m.tasks.UpdateStatus(ctx, id, domain.TaskStatusCancelled, nil); err != nil {
			logger.Warnf("persist cancelled status: %v", err)
			return false, nil
		}
		logger.Info("download cancelled before its job started")
		return true, nil
	}
	return false, nil
}

// Retry restarts a failed or cancelled task from zero. A job that already settled the task, or was
// cancelled and is still cleaning up, is waited for, bounded by ctx.
func (m *manager) Retry(ctx context.Context, id string) error {
	task, err := m.tasks.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil
		}
		return err
	}
	if task.Status == domain.TaskStatusCompleted || task.Status == domain.TaskStatusResolving {
		return ErrNotRetryable
	}
	if m.jobs.isActive(id) && !task.Status.IsTerminal() {
		return ErrJobRunning
	}
	if err := m.jobs.waitIdle(ctx, id); err != nil {
		return err
	}

	reset, err := m.tasks.ResetTask(ctx, task)
	if err != nil {
		return err
	}
	m.jobs.reserve(reset.ID, reset.FileName)
	m.cfg.Logger.WithField("task_id", id).Info("download retried")
	m.start(reset.ID)
	m.notify()
	return nil
}

// Remove cancels any job, deletes a completed task's file (best effort) and deletes the record.
func (m *manager) Remove(ctx context.Context, id string) error {
	logger := m.cfg.Logger.WithField("task_id", id)
	m.jobs.cancel(id)
	if err := m.jobs.waitIdle(ctx, id); err != nil {
		return err
	}

	task, err := m.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == domain.TaskStatusCompleted && task.DestinationPath != nil {
		if err := os.Remove(*task.DestinationPath); err != nil && !os.IsNotExist(err) {
			logger.Warnf("remove downloaded file: %v", err)
		}
	}

	if err := m.tasks.DeleteTask(ctx, id); err != nil && !errors.Is(err, repository.ErrTaskNotFound) {
		return err
	}
	logger.Info("download removed")
	m.notify()
	return nil
}

func (m *manager) RemoveForMedia(ctx context.Context, mediaID string) error {
	tasks, err := m.tasks.ListByMedia(ctx, mediaID)
	if err != nil {
		return err
	}

	var errs []error
	for i := range tasks {
		if err := m.Remove(ctx, tasks[i].ID); err != nil && !errors.Is(err, repository.ErrTaskNotFound) {
			errs = append(errs, fmt.Errorf("remove %s: %w", tasks[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *manager) start(id string) {
	if !m.jobs.tryStart(m.ctx, id, func(ctx context.Context) { m.runJob(ctx, id) }) {
		m.cfg.Logger.WithField("task_id", id).Debug("job already registered, not starting another")
	}
}

type progressSample struct {
	written  int64
	expected int64
}

type fetchOutcome struct {
	result *transfer.Result
	err    error
}

func (m *manager) runJob(ctx context.Context, id string) {
	logger := m.cfg.Logger.WithField("task_id", id)
	// status writes must land even after the job context is cancelled
	store := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			m.failTask(store, id, fmt.Errorf("download job panicked: %v", r))
		}
	}()

	task, err := m.tasks.GetTask(store, id)
	if err != nil && !errors.Is(err, repository.ErrTaskNotFound) {
		logger.Errorf("load task: %v", err)
		return
	}
	if task != nil && task.Status != domain.TaskStatusQueued {
		logger.Infof("task is %s, job not started", task.Status)
		return
	}
	var source *url.URL
	if task != nil {
		source, err = parseStreamURL(task.StreamURL)
	}
	if task == nil || err != nil {
		m.failTask(store, id, domain.ErrInvalidStreamURL)
		return
	}

	dest := m.jobs.reserve(id, task.FileName)

	if ctx.Err() != nil {
		m.settleInterrupted(store, ctx, id, "")
		return
	}

	if err := m.tasks.UpdateStatus(store, id, domain.TaskStatusDownloading, nil); err != nil {
		logger.Errorf("update status failed: %v", err)
		return
	}
	m.notify()
	logger.Infof("download started from %s", source.Redacted())

	samples := make(chan progressSample, 16)
	results := make(chan fetchOutcome, 1)
	go func() {
		res, err := m.executor.Fetch(ctx, source, func(_, written, expected int64) {
			select {
			case samples <- progressSample{written: written, expected: expected}:
			case <-ctx.Done():
			}
		})
		results <- fetchOutcome{result: res, err: err}
	}()

	throttle := newProgressThrottler(m.cfg.Now(), m.cfg.ProgressInterval)
	var outcome fetchOutcome
wait:
	for {
		select {
		case s := <-samples:
			m.commitProgress(ctx, store, id, throttle, s)
		case outcome = <-results:
			break wait
		}
	}
	// the executor sends every sample before its result
	for drained := false; !drained; {
		select {
		case s := <-samples:
			m.commitProgress(ctx, store, id, throttle, s)
		default:
			drained = true
		}
	}

	tempPath := ""
	if outcome.result != nil {
		tempPath = outcome.result.Path
	}
	if ctx.Err() != nil {
		m.settleInterrupted(store, ctx, id, tempPath)
		return
	}
	if outcome.err != nil {
		m.failTask(store, id, outcome.err)
		return
	}

	size, err := m.finalize(ctx, tempPath, dest)
	if err != nil {
		if ctx.Err() != nil {
			m.settleInterrupted(store, ctx, id, tempPath)
			return
		}
		m.failTask(store, id, err)
		return
	}

	if err := m.tasks.MarkCompleted(store, id, dest, size); err != nil {
		logger.Errorf("mark completed: %v", err)
		return
	}
	m.notify()
	logger.Infof("download completed: %s (%s)", dest, formatBytes(size))
}

func (m *manager) commitProgress(ctx, store context.Context, id string, throttle *progressThrottler, s progressSample) {
	if ctx.Err() != nil {
		return
	}
	if !throttle.shouldCommit(m.cfg.Now(), s.written, s.expected) {
		return
	}

	var total *int64
	if s.expected >= 0 {
		expected := s.expected
		total = &expected
	}
	progress := progressFraction(s.written, s.expected)
	if err := m.tasks.UpdateProgress(store, id, progress, s.written, total); err != nil {
		m.cfg.Logger.WithField("task_id", id).Warnf("update progress: %v", err)
		return
	}
	m.cfg.Logger.WithField("task_id", id).Debugf("progress %.1f%% (%s)", progress*100, formatBytes(s.written))
	m.notify()
}

// finalize moves the fetched file into its reserved destination and returns its size on disk.
func (m *manager) finalize(ctx context.Context, tempPath, dest string) (int64, error) {
	if tempPath == "" {
		return 0, errors.New("transfer produced no file")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		_ = os.Remove(tempPath)
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// size comes from the staged file; once moved, dest is only ever reported as completed
	info, err := os.Stat(tempPath)
	if err != nil {
		return 0, fmt.Errorf("stat fetched file: %w", err)
	}
	if err := moveFile(tempPath, dest); err != nil {
		_ = os.Remove(tempPath)
		return 0, err
	}
	return info.Size(), nil
}

// settleInterrupted handles a job whose context ended. User cancellation persists cancelled; shutdown
// leaves the status alone for Resume. No partial output survives either way.
func (m *manager) settleInterrupted(store, ctx context.Context, id, tempPath string) {
	logger := m.cfg.Logger.WithField("task_id", id)
	if tempPath != "" {
		if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
			logger.Warnf("remove partial file: %v", err)
		}
	}

	if !errors.Is(context.Cause(ctx), ErrCancelled) {
		logger.Info("download interrupted by shutdown")
		return
	}
	if err := m.tasks.UpdateStatus(store, id, domain.TaskStatusCancelled, nil); err != nil {
		logger.Errorf("persist cancelled status: %v", err)
		return
	}
	m.notify()
	logger.Info("download cancelled")
}

func (m *manager) failTask(ctx context.Context, id string, failErr error) {
	msg := failErr.Error()
	if err := m.tasks.UpdateStatus(ctx, id, domain.TaskStatusFailed, &msg); err != nil {
		m.cfg.Logger.WithField("task_id", id).Errorf("persist failure status: %v", err)
	}
	m.notify()
	m.cfg.Logger.WithField("task_id", id).Error(msg)
}

func (m *manager) notify() {
	if m.notifier != nil {
		m.notifier.Notify()
	}
}

func parseStreamURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || (u.Host == "" && u.Opaque == "" && u.RawQuery == "") {
		return nil, domain.ErrInvalidStreamURL
	}
	return u, nil
}

// moveFile renames src to dst, falling back to copy and delete across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return err
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy file: %w", err)
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync destination: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}

var _ Manager = (*manager)(nil)
