package task

import (
	"context"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Engine owns the task map, the pending queue, the active task id and the
// queue-order sequence. Every mutation goes through the shared lock and is
// persisted before it is considered committed.
type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond
	// persistMu serializes durable writes. The write slot is claimed
	// before mu is released so per-task write order matches mutation
	// order without holding mu across disk I/O.
	persistMu sync.Mutex

	tasks        map[string]*Task
	queue        []string
	activeID     string
	seq          int64
	lastActivity time.Time
	stopped      bool

	store       Store
	dataDir     string
	downloader  Downloader
	transcriber Transcriber
	normalize   func(string) string

	baseCtx context.Context
	wg      sync.WaitGroup
}

// Options configures a new Engine. Store, Downloader and Transcriber are
// required; Normalize is an optional text post-processing hook applied
// before the result artifact is written.
type Options struct {
	DataDir     string
	Store       Store
	Downloader  Downloader
	Transcriber Transcriber
	Normalize   func(string) string
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		tasks:        make(map[string]*Task),
		seq:          time.Now().UnixMilli(),
		lastActivity: time.Now(),
		store:        opts.Store,
		dataDir:      opts.DataDir,
		downloader:   opts.Downloader,
		transcriber:  opts.Transcriber,
		normalize:    opts.Normalize,
		baseCtx:      context.Background(),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start reconciles persisted tasks and launches the worker loop. The
// context is handed to collaborator calls and cancelled on shutdown.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recoverPersisted(); err != nil {
		return err
	}
	e.baseCtx = ctx
	e.wg.Add(1)
	go e.runWorker()
	return nil
}

// Stop wakes the worker and waits for it to finish the current task.
// Returns false if the context expired first.
func (e *Engine) Stop(ctx context.Context) bool {
	e.mu.Lock()
	e.stopped = true
	e.cond.Broadcast()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Touch records caller activity for the idle monitor.
func (e *Engine) Touch() {
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

// Idle reports whether work is pending or active, and for how long the
// engine has seen no activity.
func (e *Engine) Idle() (busy bool, idleFor time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	busy = len(e.queue) > 0 || e.activeID != ""
	return busy, time.Since(e.lastActivity)
}

// Create validates the URL, assigns a fresh id and queue order, and
// enqueues the task.
func (e *Engine) Create(req CreateRequest) (Task, error) {
	if !validTaskURL(req.URL) {
		return Task{}, ErrInvalidURL
	}
	now := time.Now()
	t := &Task{
		ID:             req.ID,
		URL:            req.URL,
		Title:          req.Title,
		Site:           req.Site,
		Status:         StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
		CookieFilePath: req.CookieFilePath,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	e.mu.Lock()
	e.seq++
	t.QueueOrder = e.seq
	e.tasks[t.ID] = t
	e.queue = append(e.queue, t.ID)
	e.lastActivity = now
	e.cond.Signal()
	snapshot := *t
	e.persistAndUnlock(t)

	log.Info().Str("task_id", t.ID).Str("url", req.URL).Int64("queue_order", snapshot.QueueOrder).Msg("task created")
	return snapshot, nil
}

// Get returns a copy of the task.
func (e *Engine) Get(id string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Snapshot returns all tasks in creation order, the active task id, and
// each pending task's 1-based queue position.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	positions := make(map[string]int, len(e.queue))
	for i, id := range e.queue {
		positions[id] = i + 1
	}
	views := make([]View, 0, len(e.tasks))
	for _, t := range e.tasks {
		views = append(views, t.View(positions[t.ID]))
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt != views[j].CreatedAt {
			return views[i].CreatedAt < views[j].CreatedAt
		}
		return views[i].ID < views[j].ID
	})
	return Snapshot{Tasks: views, ActiveTaskID: e.activeID}
}

// Cancel requests cooperative cancellation. A queued task is canceled
// synchronously; an executing one transitions to canceling and the worker
// completes the cancellation at the next safe point. Terminal tasks are a
// no-op.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	switch {
	case t.Status == StatusQueued:
		e.removeFromQueue(id)
		t.Status = StatusCanceled
		t.ErrorCode = ""
		t.ErrorMessage = ""
		t.DownloadProgress = 0
		t.TranscribeProgress = 0
		t.UpdatedAt = time.Now()
		e.lastActivity = t.UpdatedAt
		e.persistAndUnlock(t)
		log.Info().Str("task_id", id).Msg("queued task canceled")
		return nil
	case t.Status == StatusDownloading || t.Status == StatusTranscribing:
		t.Status = StatusCanceling
		t.CancelRequested = true
		t.UpdatedAt = time.Now()
		e.lastActivity = t.UpdatedAt
		e.persistAndUnlock(t)
		log.Info().Str("task_id", id).Msg("cancel requested for active task")
		return nil
	default:
		// canceling or terminal: idempotent success
		e.mu.Unlock()
		return nil
	}
}

// Retry resets a terminal task to queued with a fresh queue order.
func (e *Engine) Retry(id string) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status.Executing() {
		e.mu.Unlock()
		return ErrTaskRunning
	}
	if t.Status == StatusQueued {
		e.mu.Unlock()
		return nil
	}
	e.seq++
	t.Status = StatusQueued
	t.DownloadProgress = 0
	t.TranscribeProgress = 0
	t.ErrorCode = ""
	t.ErrorMessage = ""
	t.ResultPath = ""
	t.ResultFilename = ""
	t.CancelRequested = false
	t.QueueOrder = e.seq
	t.UpdatedAt = time.Now()
	e.queue = append(e.queue, id)
	e.lastActivity = t.UpdatedAt
	e.cond.Signal()
	e.persistAndUnlock(t)
	log.Info().Str("task_id", id).Int64("queue_order", t.QueueOrder).Msg("task requeued")
	return nil
}

// Delete removes a non-executing task, its durable row and its artifacts.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status.Executing() {
		e.mu.Unlock()
		return ErrTaskRunning
	}
	e.removeFromQueue(id)
	delete(e.tasks, id)
	snapshot := *t
	e.lastActivity = time.Now()
	e.deleteRowAndUnlock(id)

	clearArtifacts(&snapshot)
	log.Info().Str("task_id", id).Msg("task deleted")
	return nil
}

// Clear drops the pending queue. Pending tasks become canceled; when
// includeDone is set, terminal tasks and their artifacts are purged too.
func (e *Engine) Clear(includeDone bool) {
	now := time.Now()
	var mutated, removed []Task

	e.mu.Lock()
	e.queue = nil
	for id, t := range e.tasks {
		switch {
		case t.Status == StatusQueued:
			t.Status = StatusCanceled
			t.DownloadProgress = 0
			t.TranscribeProgress = 0
			t.UpdatedAt = now
			mutated = append(mutated, *t)
		case includeDone && t.Status.Terminal():
			delete(e.tasks, id)
			removed = append(removed, *t)
		}
	}
	e.lastActivity = now
	// claim the persist slot before releasing the state lock, same as
	// persistAndUnlock, so a concurrent retry cannot persist ahead of
	// these rows
	e.persistMu.Lock()
	e.mu.Unlock()

	for i := range mutated {
		if err := e.store.Upsert(context.Background(), &mutated[i]); err != nil {
			log.Warn().Str("task_id", mutated[i].ID).Err(err).Msg("persist after clear failed")
		}
	}
	for i := range removed {
		if err := e.store.Delete(context.Background(), removed[i].ID); err != nil {
			log.Warn().Str("task_id", removed[i].ID).Err(err).Msg("delete row after clear failed")
		}
	}
	e.persistMu.Unlock()

	for i := range removed {
		clearArtifacts(&removed[i])
	}
	log.Info().Bool("include_done", includeDone).Int("canceled", len(mutated)).Int("purged", len(removed)).Msg("queue cleared")
}

// SetCookieFile attaches or replaces the task's cookie jar path.
func (e *Engine) SetCookieFile(id, path string) error {
	e.mu.Lock()
	if _, ok := e.tasks[id]; !ok {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	e.mu.Unlock()
	e.Apply(id, Update{CookieFilePath: ptr(path)})
	return nil
}

// Result returns the result artifact path and download filename. Only
// done tasks have one.
func (e *Engine) Result(id string) (path, filename string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return "", "", ErrTaskNotFound
	}
	if t.Status != StatusDone || t.ResultPath == "" {
		return "", "", ErrNotDone
	}
	filename = t.ResultFilename
	if filename == "" {
		filename = "transcription.txt"
	}
	return t.ResultPath, filename, nil
}

// Apply runs a typed partial update through the synchronized path,
// enforcing the canceling/canceled transition rules before persisting.
func (e *Engine) Apply(id string, upd Update) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	gateUpdate(t.Status, &upd)
	if upd.empty() {
		e.mu.Unlock()
		return
	}
	applyUpdate(t, upd)
	t.UpdatedAt = time.Now()
	e.lastActivity = t.UpdatedAt
	e.persistAndUnlock(t)
}

// gateUpdate drops fields that must not change in the task's current
// state. Once canceling, only the transition to canceled may carry other
// field changes; once canceled, everything except a canceled no-op and
// cookie/cancel bookkeeping is frozen.
func gateUpdate(current Status, upd *Update) {
	switch current {
	case StatusCanceled:
		if upd.Status != nil && *upd.Status != StatusCanceled {
			upd.Status = nil
		}
		upd.DownloadProgress = nil
		upd.TranscribeProgress = nil
		upd.ErrorCode = nil
		upd.ErrorMessage = nil
		upd.ResultPath = nil
		upd.ResultFilename = nil
		upd.AudioPath = nil
	case StatusCanceling:
		if upd.Status != nil && *upd.Status != StatusCanceling && *upd.Status != StatusCanceled {
			upd.Status = nil
		}
		toCanceled := upd.Status != nil && *upd.Status == StatusCanceled
		if !toCanceled {
			upd.DownloadProgress = nil
			upd.TranscribeProgress = nil
			upd.ErrorCode = nil
			upd.ErrorMessage = nil
			upd.ResultPath = nil
			upd.ResultFilename = nil
			upd.AudioPath = nil
		}
	}
}

func applyUpdate(t *Task, upd Update) {
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.DownloadProgress != nil {
		t.DownloadProgress = *upd.DownloadProgress
	}
	if upd.TranscribeProgress != nil {
		t.TranscribeProgress = *upd.TranscribeProgress
	}
	if upd.ErrorCode != nil {
		t.ErrorCode = *upd.ErrorCode
	}
	if upd.ErrorMessage != nil {
		t.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ResultPath != nil {
		t.ResultPath = *upd.ResultPath
	}
	if upd.ResultFilename != nil {
		t.ResultFilename = *upd.ResultFilename
	}
	if upd.AudioPath != nil {
		t.AudioPath = *upd.AudioPath
	}
	if upd.CookieFilePath != nil {
		t.CookieFilePath = *upd.CookieFilePath
	}
	if upd.CancelRequested != nil {
		t.CancelRequested = *upd.CancelRequested
	}
}

// persistAndUnlock writes a snapshot of t to the store. Callers must hold
// e.mu; it is released once the write slot is claimed, so readers are
// never blocked by disk I/O while per-task write order is preserved.
// A persist failure is logged, not fatal: in-memory state stays
// authoritative for the running process.
func (e *Engine) persistAndUnlock(t *Task) {
	snapshot := *t
	e.persistMu.Lock()
	e.mu.Unlock()
	if err := e.store.Upsert(context.Background(), &snapshot); err != nil {
		log.Warn().Str("task_id", snapshot.ID).Err(err).Msg("persist task failed")
	}
	e.persistMu.Unlock()
}

// deleteRowAndUnlock removes the durable row; same locking contract as
// persistAndUnlock.
func (e *Engine) deleteRowAndUnlock(id string) {
	e.persistMu.Lock()
	e.mu.Unlock()
	if err := e.store.Delete(context.Background(), id); err != nil {
		log.Warn().Str("task_id", id).Err(err).Msg("delete task row failed")
	}
	e.persistMu.Unlock()
}

// removeFromQueue drops id from the pending queue. Caller holds e.mu.
func (e *Engine) removeFromQueue(id string) {
	for i, queued := range e.queue {
		if queued == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

func (e *Engine) cancelRequested(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return ok && t.CancelRequested
}

func clearArtifacts(t *Task) {
	for _, path := range []string{t.AudioPath, t.ResultPath, t.CookieFilePath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Str("task_id", t.ID).Str("path", path).Err(err).Msg("remove artifact failed")
		}
	}
}

func validTaskURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}
