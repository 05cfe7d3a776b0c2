package task

import (
	"context"
	"time"
)

type Status string

const (
	StatusQueued       Status = "queued"
	StatusDownloading  Status = "downloading"
	StatusTranscribing Status = "transcribing"
	StatusCanceling    Status = "canceling"
	StatusDone         Status = "done"
	StatusError        Status = "error"
	StatusCanceled     Status = "canceled"
)

// Terminal reports whether no further execution happens for the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCanceled:
		return true
	default:
		return false
	}
}

// Executing reports whether the worker currently owns the task.
func (s Status) Executing() bool {
	switch s {
	case StatusDownloading, StatusTranscribing, StatusCanceling:
		return true
	default:
		return false
	}
}

type ErrorCode string

const (
	CodeDownloadFailed   ErrorCode = "download_failed"
	CodeTranscribeFailed ErrorCode = "transcribe_failed"
	CodeCookiesRequired  ErrorCode = "cookies_required"
	CodeInterrupted      ErrorCode = "interrupted"
)

// Task is the unit of work driven through the state machine.
type Task struct {
	ID                 string
	URL                string
	Title              string
	Site               string
	Status             Status
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DownloadProgress   int
	TranscribeProgress int
	ErrorCode          ErrorCode
	ErrorMessage       string
	ResultPath         string
	ResultFilename     string
	AudioPath          string
	CookieFilePath     string
	CancelRequested    bool
	QueueOrder         int64
}

// View is the wire representation of a task.
type View struct {
	ID                 string    `json:"id"`
	URL                string    `json:"url"`
	Title              string    `json:"title,omitempty"`
	Site               string    `json:"site,omitempty"`
	Status             Status    `json:"status"`
	CreatedAt          int64     `json:"createdAt"`
	UpdatedAt          int64     `json:"updatedAt"`
	DownloadProgress   int       `json:"downloadProgress"`
	TranscribeProgress int       `json:"transcribeProgress"`
	ErrorCode          ErrorCode `json:"errorCode,omitempty"`
	ErrorMessage       string    `json:"errorMessage,omitempty"`
	ResultFilename     string    `json:"resultFilename,omitempty"`
	QueuePosition      int       `json:"queuePosition,omitempty"`
}

// View renders the task for API consumers. Position is 1-based within the
// pending queue, 0 when the task is not queued.
func (t *Task) View(position int) View {
	return View{
		ID:                 t.ID,
		URL:                t.URL,
		Title:              t.Title,
		Site:               t.Site,
		Status:             t.Status,
		CreatedAt:          t.CreatedAt.UnixMilli(),
		UpdatedAt:          t.UpdatedAt.UnixMilli(),
		DownloadProgress:   t.DownloadProgress,
		TranscribeProgress: t.TranscribeProgress,
		ErrorCode:          t.ErrorCode,
		ErrorMessage:       t.ErrorMessage,
		ResultFilename:     t.ResultFilename,
		QueuePosition:      position,
	}
}

// Snapshot is a consistent view of every task plus the active task id.
type Snapshot struct {
	Tasks        []View `json:"tasks"`
	ActiveTaskID string `json:"activeTaskId,omitempty"`
}

// Update is a typed partial update applied through the synchronized path.
// Nil fields are left untouched.
type Update struct {
	Status             *Status
	DownloadProgress   *int
	TranscribeProgress *int
	ErrorCode          *ErrorCode
	ErrorMessage       *string
	ResultPath         *string
	ResultFilename     *string
	AudioPath          *string
	CookieFilePath     *string
	CancelRequested    *bool
}

func (u *Update) empty() bool {
	return u.Status == nil &&
		u.DownloadProgress == nil &&
		u.TranscribeProgress == nil &&
		u.ErrorCode == nil &&
		u.ErrorMessage == nil &&
		u.ResultPath == nil &&
		u.ResultFilename == nil &&
		u.AudioPath == nil &&
		u.CookieFilePath == nil &&
		u.CancelRequested == nil
}

// CreateRequest carries the inputs for a new task. ID is optional; when
// empty the engine assigns one.
type CreateRequest struct {
	ID             string
	URL            string
	Title          string
	Site           string
	CookieFilePath string
}

// DownloadRequest is passed to the media extraction collaborator.
// OnProgress receives 0-100 values; Canceled is the cooperative
// cancellation token and must be polled at safe points.
type DownloadRequest struct {
	TaskID     string
	URL        string
	CookieFile string
	OutDir     string
	OnProgress func(pct int)
	Canceled   func() bool
}

// Downloader produces a local audio file for a URL.
// Implementations return ErrCanceled when the token reports cancellation.
type Downloader interface {
	Download(ctx context.Context, req DownloadRequest) (string, error)
}

// TranscribeRequest is passed to the speech-to-text collaborator.
type TranscribeRequest struct {
	AudioPath  string
	OnProgress func(pct int)
	Canceled   func() bool
}

// Transcriber converts an audio file into text, reporting progress from
// the timed fragments it consumes.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (string, error)
}

func ptr[T any](v T) *T { return &v }
