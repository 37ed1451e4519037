package downloader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

type jobHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// jobTable is the job registry and the destination allocator behind one mutex, so registry lookups,
// reservation checks and reservation inserts are atomic with respect to each other.
type jobTable struct {
	dir string

	mu sync.Mutex
	// active holds registered jobs; draining holds cancelled jobs that have not finished cleanup yet.
	active       map[string]*jobHandle
	draining     map[string]*jobHandle
	reservations map[string]string
	reserved     map[string]string

	wg sync.WaitGroup
}

func newJobTable(dir string) *jobTable {
	return &jobTable{
		dir:          dir,
		active:       make(map[string]*jobHandle),
		draining:     make(map[string]*jobHandle),
		reservations: make(map[string]string),
		reserved:     make(map[string]string),
	}
}

// reserve returns the destination held by taskID, allocating a collision-free one if it has none.
func (j *jobTable) reserve(taskID, desiredFileName string) string {
	j.mu.Lock()
	defer j.mu.Unlock()

	if path, ok := j.reservations[taskID]; ok {
		return path
	}

	name := sanitizeFileName(desiredFileName)
	candidate := filepath.Join(j.dir, name)
	for n := 1; !j.availableLocked(candidate); n++ {
		candidate = filepath.Join(j.dir, numberedFileName(name, n))
	}

	j.reservations[taskID] = candidate
	j.reserved[candidate] = taskID
	return candidate
}

func (j *jobTable) availableLocked(path string) bool {
	if _, taken := j.reserved[path]; taken {
		return false
	}
	if _, err := os.Lstat(path); err == nil {
		return false
	}
	return true
}

func (j *jobTable) release(taskID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.releaseLocked(taskID)
}

func (j *jobTable) releaseLocked(taskID string) {
	path, ok := j.reservations[taskID]
	if !ok {
		return
	}
	delete(j.reservations, taskID)
	delete(j.reserved, path)
}

func (j *jobTable) reservation(taskID string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	path, ok := j.reservations[taskID]
	return path, ok
}

func (j *jobTable) isReserved(path string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.reserved[path]
	return ok
}

// tryStart registers and launches run unless a job for taskID is active or still draining.
// The destination reservation is released and the job deregistered when run returns.
func (j *jobTable) tryStart(parent context.Context, taskID string, run func(ctx context.Context)) bool {
	j.mu.Lock()
	if _, ok := j.active[taskID]; ok {
		j.mu.Unlock()
		return false
	}
	if _, ok := j.draining[taskID]; ok {
		j.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancelCause(parent)
	handle := &jobHandle{cancel: cancel, done: make(chan struct{})}
	j.active[taskID] = handle
	j.wg.Add(1)
	j.mu.Unlock()

	go func() {
		defer j.wg.Done()
		defer j.finish(taskID, handle)
		run(ctx)
	}()
	return true
}

func (j *jobTable) finish(taskID string, handle *jobHandle) {
	j.mu.Lock()
	if j.active[taskID] == handle {
		delete(j.active, taskID)
	}
	if j.draining[taskID] == handle {
		delete(j.draining, taskID)
	}
	j.releaseLocked(taskID)
	j.mu.Unlock()

	handle.cancel(nil)
	close(handle.done)
}

// cancel signals the running job with ErrCancelled and deregisters it.
// It reports whether a job was running.
func (j *jobTable) cancel(taskID string) bool {
	j.mu.Lock()
	handle, ok := j.active[taskID]
	if ok {
		delete(j.active, taskID)
		j.draining[taskID] = handle
	}
	j.mu.Unlock()

	if ok {
		handle.cancel(ErrCancelled)
	}
	return ok
}

// cancelOrElse cancels the running job for taskID. A job that is already draining is left alone.
// With no job registered, idle runs with the table locked, so no job for taskID can start until it returns.
func (j *jobTable) cancelOrElse(taskID string, idle func()) {
	j.mu.Lock()
	if _, ok := j.draining[taskID]; ok {
		j.mu.Unlock()
		return
	}
	handle, ok := j.active[taskID]
	if !ok {
		defer j.mu.Unlock()
		idle()
		return
	}
	delete(j.active, taskID)
	j.draining[taskID] = handle
	j.mu.Unlock()

	handle.cancel(ErrCancelled)
}

func (j *jobTable) isActive(taskID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.active[taskID]
	return ok
}

// waitIdle blocks until no job, active or draining, exists for taskID.
func (j *jobTable) waitIdle(ctx context.Context, taskID string) error {
	for {
		j.mu.Lock()
		handle, ok := j.active[taskID]
		if !ok {
			handle, ok = j.draining[taskID]
		}
		j.mu.Unlock()
		if !ok {
			return nil
		}

		select {
		case <-handle.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (j *jobTable) wait() {
	j.wg.Wait()
}
