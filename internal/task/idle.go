package task

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// IdleMonitor terminates the process once the engine has had no queued or
// active work and no caller activity for the configured window.
type IdleMonitor struct {
	Engine   *Engine
	Window   time.Duration
	Interval time.Duration
	Exit     func()
}

// NewIdleMonitor builds a monitor with the production exit behavior.
// A window of zero or less disables the monitor.
func NewIdleMonitor(engine *Engine, window time.Duration) *IdleMonitor {
	return &IdleMonitor{
		Engine:   engine,
		Window:   window,
		Interval: 5 * time.Second,
		Exit:     func() { os.Exit(0) },
	}
}

// Run blocks until the context is done or the idle window elapses.
func (m *IdleMonitor) Run(ctx context.Context) {
	if m.Window <= 0 {
		return
	}
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			busy, idleFor := m.Engine.Idle()
			if busy {
				continue
			}
			if idleFor >= m.Window {
				log.Info().Dur("idle_for", idleFor).Msg("idle window elapsed, exiting")
				m.Exit()
				return
			}
		}
	}
}
