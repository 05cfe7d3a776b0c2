package task

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// recoverPersisted loads every persisted task and rewrites the ones a
// previous process left in a non-terminal state. Runs before the worker
// starts; reconciled rows are re-persisted so a second crash cannot
// re-observe the stale state.
func (e *Engine) recoverPersisted() error {
	loaded, err := e.store.LoadAll(context.Background())
	if err != nil {
		return fmt.Errorf("load persisted tasks: %w", err)
	}
	if len(loaded) == 0 {
		return nil
	}
	now := time.Now()
	var dirty []Task

	e.mu.Lock()
	for _, t := range loaded {
		switch t.Status {
		case StatusDownloading, StatusTranscribing:
			// execution context died with the old process, cannot resume
			t.Status = StatusError
			t.ErrorCode = CodeInterrupted
			t.ErrorMessage = "interrupted by service restart"
			t.UpdatedAt = now
			dirty = append(dirty, *t)
		case StatusCanceling:
			// the cancellation intent was already durable
			t.Status = StatusCanceled
			t.ErrorCode = ""
			t.ErrorMessage = ""
			t.DownloadProgress = 0
			t.TranscribeProgress = 0
			t.UpdatedAt = now
			dirty = append(dirty, *t)
		}
		e.tasks[t.ID] = t
	}

	var maxOrder int64
	for _, t := range e.tasks {
		if t.QueueOrder > maxOrder {
			maxOrder = t.QueueOrder
		}
	}
	if maxOrder > 0 {
		e.seq = maxOrder
	}

	var queued []*Task
	for _, t := range e.tasks {
		if t.Status == StatusQueued {
			queued = append(queued, t)
		}
	}
	// defensive: rows without a recorded order get one in id order so the
	// rebuilt queue is deterministic
	sort.Slice(queued, func(i, j int) bool { return queued[i].ID < queued[j].ID })
	for _, t := range queued {
		if t.QueueOrder == 0 {
			e.seq++
			t.QueueOrder = e.seq
			t.UpdatedAt = now
			dirty = append(dirty, *t)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].QueueOrder != queued[j].QueueOrder {
			return queued[i].QueueOrder < queued[j].QueueOrder
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	e.queue = e.queue[:0]
	for _, t := range queued {
		e.queue = append(e.queue, t.ID)
	}
	e.mu.Unlock()

	e.persistMu.Lock()
	for i := range dirty {
		if err := e.store.Upsert(context.Background(), &dirty[i]); err != nil {
			e.persistMu.Unlock()
			return fmt.Errorf("re-persist reconciled task %s: %w", dirty[i].ID, err)
		}
	}
	e.persistMu.Unlock()

	log.Info().Int("loaded", len(loaded)).Int("reconciled", len(dirty)).Int("queued", len(queued)).Msg("persisted tasks recovered")
	return nil
}
