package whisper

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// Config locates the transcription engine binaries and model.
type Config struct {
	BinPath     string // whisper.cpp binary
	FFprobePath string // used to probe audio duration
	ModelPath   string // model file, or a directory holding .bin/.gguf models
	Language    string // e.g. "auto", "en", "zh"
}

// Loader initializes the shared engine at most once, even under
// concurrent first use. Initialization failure is sticky until Reset.
type Loader struct {
	mu      sync.Mutex
	cfg     Config
	engine  *Engine
	loading chan struct{} // non-nil while a load is in flight
	err     error
	load    func(Config) (*Engine, error)
}

func NewLoader(cfg Config) *Loader {
	return &Loader{cfg: cfg, load: newEngine}
}

// Acquire returns the shared engine, loading it on first use. The first
// claimant performs the load outside the lock; racing callers block until
// the load settles and observe the same outcome.
func (l *Loader) Acquire(ctx context.Context) (*Engine, error) {
	for {
		l.mu.Lock()
		if l.engine != nil {
			engine := l.engine
			l.mu.Unlock()
			return engine, nil
		}
		if l.err != nil {
			err := l.err
			l.mu.Unlock()
			return nil, err
		}
		if l.loading == nil {
			inFlight := make(chan struct{})
			l.loading = inFlight
			l.mu.Unlock()

			log.Info().Str("model", l.cfg.ModelPath).Msg("loading transcription engine")
			engine, err := l.load(l.cfg)

			l.mu.Lock()
			l.engine = engine
			l.err = err
			l.loading = nil
			l.mu.Unlock()
			close(inFlight)
			if err != nil {
				log.Error().Err(err).Msg("transcription engine load failed")
				return nil, err
			}
			log.Info().Msg("transcription engine ready")
			return engine, nil
		}
		inFlight := l.loading
		l.mu.Unlock()
		select {
		case <-inFlight:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Reset clears a sticky load error so the next Acquire retries.
func (l *Loader) Reset() {
	l.mu.Lock()
	if l.engine == nil {
		l.err = nil
	}
	l.mu.Unlock()
}

// Status describes the engine lifecycle for the status endpoint.
type Status struct {
	Ready   bool   `json:"modelReady"`
	Loading bool   `json:"modelLoading"`
	Cached  bool   `json:"modelCached"`
	Error   string `json:"modelError,omitempty"`
}

func (l *Loader) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		Ready:   l.engine != nil,
		Loading: l.loading != nil,
		Cached:  modelPresent(l.cfg.ModelPath),
	}
	if l.err != nil {
		st.Error = l.err.Error()
	}
	return st
}

// UseLoadFunc replaces the engine constructor. Test hook only.
func (l *Loader) UseLoadFunc(fn func(Config) (*Engine, error)) {
	l.mu.Lock()
	l.load = fn
	l.mu.Unlock()
}

func modelPresent(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
