package task

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store abstracts durable task persistence. Upsert must be atomic per row
// and LoadAll must enumerate every persisted row for startup recovery.
type Store interface {
	Upsert(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*Task, error)
	Close() error
}

// SQLiteStore persists tasks in a local SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the task database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("ensure db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// WAL and a busy timeout keep concurrent readers cheap
	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		title TEXT,
		site TEXT,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		download_progress INTEGER NOT NULL,
		transcribe_progress INTEGER NOT NULL,
		error_code TEXT,
		error_message TEXT,
		result_path TEXT,
		result_filename TEXT,
		audio_path TEXT,
		cookie_file_path TEXT,
		cancel_requested INTEGER NOT NULL,
		queue_order INTEGER
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("init tasks table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, t *Task) error {
	query := `
	INSERT OR REPLACE INTO tasks (
		id, url, title, site, status, created_at, updated_at,
		download_progress, transcribe_progress, error_code, error_message,
		result_path, result_filename, audio_path, cookie_file_path,
		cancel_requested, queue_order
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	cancelRequested := 0
	if t.CancelRequested {
		cancelRequested = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.URL, t.Title, t.Site, string(t.Status),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
		t.DownloadProgress, t.TranscribeProgress,
		string(t.ErrorCode), t.ErrorMessage,
		t.ResultPath, t.ResultFilename, t.AudioPath, t.CookieFilePath,
		cancelRequested, t.QueueOrder,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*Task, error) {
	query := `
	SELECT id, url, title, site, status, created_at, updated_at,
		download_progress, transcribe_progress, error_code, error_message,
		result_path, result_filename, audio_path, cookie_file_path,
		cancel_requested, queue_order
	FROM tasks
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var (
			t                    Task
			status, errorCode    string
			createdAt, updatedAt int64
			cancelRequested      int
			queueOrder           sql.NullInt64
		)
		if err := rows.Scan(
			&t.ID, &t.URL, &t.Title, &t.Site, &status, &createdAt, &updatedAt,
			&t.DownloadProgress, &t.TranscribeProgress, &errorCode, &t.ErrorMessage,
			&t.ResultPath, &t.ResultFilename, &t.AudioPath, &t.CookieFilePath,
			&cancelRequested, &queueOrder,
		); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t.Status = Status(status)
		t.ErrorCode = ErrorCode(errorCode)
		t.CreatedAt = time.UnixMilli(createdAt)
		t.UpdatedAt = time.UnixMilli(updatedAt)
		t.CancelRequested = cancelRequested != 0
		t.QueueOrder = queueOrder.Int64
		task := t
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
