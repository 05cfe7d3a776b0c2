package whisper

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"transcriberd/internal/task"
)

// Service adapts the load-once engine to the worker's Transcriber
// contract: progress is derived from each fragment's end time over the
// probed total duration, and the cancel token is polled per fragment.
type Service struct {
	loader *Loader
}

func NewService(cfg Config) *Service {
	return &Service{loader: NewLoader(cfg)}
}

// Loader exposes the underlying loader for status reporting and retry.
func (s *Service) Loader() *Loader {
	return s.loader
}

func (s *Service) Status() Status {
	return s.loader.Status()
}

func (s *Service) Transcribe(ctx context.Context, req task.TranscribeRequest) (string, error) {
	engine, err := s.loader.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("load transcription engine: %w", err)
	}

	// best effort; without a duration progress stays at 0 until done
	total, err := engine.Duration(ctx, req.AudioPath)
	if err != nil {
		log.Warn().Str("audio", req.AudioPath).Err(err).Msg("probe audio duration failed")
		total = 0
	}

	text, err := engine.Transcribe(ctx, req.AudioPath, func(segment Segment) error {
		if req.Canceled != nil && req.Canceled() {
			return task.ErrCanceled
		}
		if total > 0 && req.OnProgress != nil {
			pct := int(segment.End * 100 / total)
			if pct > 100 {
				pct = 100
			}
			req.OnProgress(pct)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if req.OnProgress != nil {
		req.OnProgress(100)
	}
	return text, nil
}

var _ task.Transcriber = (*Service)(nil)
