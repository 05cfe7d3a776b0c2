package task

import (
	"testing"
	"time"
)

func seedTask(store *memStore, id string, status Status, order int64) Task {
	t := Task{
		ID:         id,
		URL:        "https://example.com/" + id,
		Status:     status,
		CreatedAt:  time.Now().Add(-time.Minute),
		UpdatedAt:  time.Now().Add(-time.Minute),
		QueueOrder: order,
	}
	store.rows[id] = t
	return t
}

func TestRecoverInterruptedExecution(t *testing.T) {
	engine, store := newTestEngine(t, okDownloader(t), okTranscriber("x"))
	seeded := seedTask(store, "a", StatusDownloading, 10)
	seeded.DownloadProgress = 55
	store.rows["a"] = seeded
	seedTask(store, "b", StatusTranscribing, 11)

	if err := engine.recoverPersisted(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		got, ok := engine.Get(id)
		if !ok {
			t.Fatalf("task %s not loaded", id)
		}
		if got.Status != StatusError || got.ErrorCode != CodeInterrupted {
			t.Fatalf("task %s: expected interrupted error, got %s/%s", id, got.Status, got.ErrorCode)
		}
		// the reconciled state must be durable before the worker starts
		row, ok := store.get(id)
		if !ok || row.Status != StatusError || row.ErrorCode != CodeInterrupted {
			t.Fatalf("task %s: reconciled state not re-persisted: %+v", id, row)
		}
	}
	if len(engine.queue) != 0 {
		t.Fatalf("interrupted tasks must not be re-queued, queue=%v", engine.queue)
	}
}

func TestRecoverCancelingBecomesCanceled(t *testing.T) {
	engine, store := newTestEngine(t, okDownloader(t), okTranscriber("x"))
	seeded := seedTask(store, "c", StatusCanceling, 7)
	seeded.DownloadProgress = 80
	seeded.TranscribeProgress = 20
	seeded.CancelRequested = true
	store.rows["c"] = seeded

	if err := engine.recoverPersisted(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, _ := engine.Get("c")
	if got.Status != StatusCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
	if got.DownloadProgress != 0 || got.TranscribeProgress != 0 {
		t.Fatalf("expected progress reset, got %d/%d", got.DownloadProgress, got.TranscribeProgress)
	}
	if got.ErrorCode != "" || got.ErrorMessage != "" {
		t.Fatalf("cancellation is not an error: %+v", got)
	}
	if row, _ := store.get("c"); row.Status != StatusCanceled {
		t.Fatalf("canceled state not re-persisted: %+v", row)
	}
}

func TestRecoverRebuildsQueueInOrder(t *testing.T) {
	engine, store := newTestEngine(t, okDownloader(t), okTranscriber("x"))
	seedTask(store, "late", StatusQueued, 30)
	seedTask(store, "early", StatusQueued, 20)
	seedTask(store, "done", StatusDone, 10)

	if err := engine.recoverPersisted(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	want := []string{"early", "late"}
	if len(engine.queue) != len(want) {
		t.Fatalf("unexpected queue: %v", engine.queue)
	}
	for i, id := range want {
		if engine.queue[i] != id {
			t.Fatalf("queue[%d] = %s, want %s", i, engine.queue[i], id)
		}
	}
}

func TestRecoverAssignsMissingQueueOrder(t *testing.T) {
	engine, store := newTestEngine(t, okDownloader(t), okTranscriber("x"))
	seedTask(store, "has-order", StatusQueued, 50)
	seedTask(store, "no-order", StatusQueued, 0)

	if err := engine.recoverPersisted(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, _ := engine.Get("no-order")
	if got.QueueOrder <= 50 {
		t.Fatalf("assigned order must exceed the recovered maximum, got %d", got.QueueOrder)
	}
	if row, _ := store.get("no-order"); row.QueueOrder != got.QueueOrder {
		t.Fatalf("assigned order not persisted: row=%d mem=%d", row.QueueOrder, got.QueueOrder)
	}
	want := []string{"has-order", "no-order"}
	for i, id := range want {
		if engine.queue[i] != id {
			t.Fatalf("queue[%d] = %s, want %s", i, engine.queue[i], id)
		}
	}
}

func TestRecoverSeedsSequence(t *testing.T) {
	engine, store := newTestEngine(t, okDownloader(t), okTranscriber("x"))
	highOrder := time.Now().UnixMilli() + 1_000_000
	seedTask(store, "old", StatusDone, highOrder)

	if err := engine.recoverPersisted(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	created, err := engine.Create(CreateRequest{URL: "https://example.com/new"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.QueueOrder <= highOrder {
		t.Fatalf("new order %d must exceed recovered maximum %d", created.QueueOrder, highOrder)
	}
}
