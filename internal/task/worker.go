package task

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"transcriberd/internal/file"
)

// runWorker is the single execution loop. It blocks while the queue is
// empty and drives exactly one task at a time through its phases. No
// failure from a task may escape the loop.
func (e *Engine) runWorker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if e.stopped {
			e.mu.Unlock()
			return
		}
		id := e.queue[0]
		e.queue = e.queue[1:]
		e.activeID = id
		e.lastActivity = time.Now()
		e.mu.Unlock()

		e.process(id)

		e.mu.Lock()
		e.activeID = ""
		e.mu.Unlock()
	}
}

// process drives one task through download, transcribe and finalize,
// polling the cancellation flag between steps.
func (e *Engine) process(id string) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	taskURL := t.URL
	title := t.Title
	cookieFile := t.CookieFilePath
	e.mu.Unlock()

	e.Apply(id, Update{
		Status:             ptr(StatusDownloading),
		DownloadProgress:   ptr(0),
		TranscribeProgress: ptr(0),
		ErrorCode:          ptr(ErrorCode("")),
		ErrorMessage:       ptr(""),
	})

	started := time.Now()
	audioPath, err := e.downloader.Download(e.baseCtx, DownloadRequest{
		TaskID:     id,
		URL:        taskURL,
		CookieFile: cookieFile,
		OutDir:     e.dataDir,
		OnProgress: func(pct int) {
			e.Apply(id, Update{DownloadProgress: ptr(clampProgress(pct))})
		},
		Canceled: func() bool { return e.cancelRequested(id) },
	})
	if err != nil {
		e.finishFailed(id, err, CodeDownloadFailed, cookieFile)
		return
	}
	log.Debug().Str("task_id", id).Dur("elapsed", time.Since(started)).Msg("download finished")
	e.Apply(id, Update{AudioPath: ptr(audioPath), DownloadProgress: ptr(100)})

	if e.cancelRequested(id) {
		e.finishCanceled(id)
		return
	}

	e.Apply(id, Update{Status: ptr(StatusTranscribing), TranscribeProgress: ptr(0)})
	started = time.Now()
	text, err := e.transcriber.Transcribe(e.baseCtx, TranscribeRequest{
		AudioPath: audioPath,
		OnProgress: func(pct int) {
			e.Apply(id, Update{TranscribeProgress: ptr(clampProgress(pct))})
		},
		Canceled: func() bool { return e.cancelRequested(id) },
	})
	if err != nil {
		e.finishFailed(id, err, CodeTranscribeFailed, cookieFile)
		return
	}
	log.Debug().Str("task_id", id).Dur("elapsed", time.Since(started)).Msg("transcription finished")

	if e.cancelRequested(id) {
		e.finishCanceled(id)
		return
	}

	if e.normalize != nil {
		text = e.normalize(text)
	}
	filename := SanitizeFilename(title) + ".txt"
	resultPath := filepath.Join(e.dataDir, id+".txt")
	if err := file.WriteTextAtomic(resultPath, text); err != nil {
		e.finishFailed(id, err, CodeTranscribeFailed, cookieFile)
		return
	}
	e.Apply(id, Update{
		Status:             ptr(StatusDone),
		TranscribeProgress: ptr(100),
		ResultPath:         ptr(resultPath),
		ResultFilename:     ptr(filename),
	})
	log.Info().Str("task_id", id).Str("result", filename).Msg("task done")
}

// finishFailed converts a phase failure into a terminal error status with
// a classified code, or completes a cooperative cancellation.
func (e *Engine) finishFailed(id string, err error, code ErrorCode, cookieFile string) {
	if errors.Is(err, ErrCanceled) {
		e.finishCanceled(id)
		return
	}
	message := err.Error()
	// Heuristic: extraction errors that smell like an authentication wall
	// are reclassified so the client can offer to send cookies. Message
	// text only, deliberately not a contract.
	if code == CodeDownloadFailed && cookieFile == "" && needsCookies(message) {
		code = CodeCookiesRequired
	}
	log.Warn().Str("task_id", id).Str("code", string(code)).Err(err).Msg("task failed")
	e.Apply(id, Update{
		Status:       ptr(StatusError),
		ErrorCode:    ptr(code),
		ErrorMessage: ptr(message),
	})
}

// finishCanceled applies the terminal canceled transition and removes any
// intermediate artifacts.
func (e *Engine) finishCanceled(id string) {
	e.Apply(id, Update{
		Status:             ptr(StatusCanceled),
		ErrorCode:          ptr(ErrorCode("")),
		ErrorMessage:       ptr(""),
		DownloadProgress:   ptr(0),
		TranscribeProgress: ptr(0),
	})
	if t, ok := e.Get(id); ok {
		clearArtifacts(&t)
	}
	log.Info().Str("task_id", id).Msg("task canceled")
}

var cookieWallKeywords = []string{
	"sign in", "login", "cookies", "private", "members",
	"only available", "age", "verification", "vip",
}

func needsCookies(message string) bool {
	lowered := strings.ToLower(message)
	for _, keyword := range cookieWallKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

func clampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// SanitizeFilename keeps a conservative character set, caps length and
// falls back to "transcription" for empty titles.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, ch := range name {
		switch {
		case unicode.IsLetter(ch) || unicode.IsDigit(ch):
			b.WriteRune(ch)
		case strings.ContainsRune(" ._-()[]{}", ch):
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	cleaned := strings.Trim(b.String(), " ._-")
	if runes := []rune(cleaned); len(runes) > 80 {
		cleaned = string(runes[:80])
	}
	if cleaned == "" {
		return "transcription"
	}
	return cleaned
}
