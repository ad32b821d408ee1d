package session

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleWindow    = 4 * time.Hour
	DefaultSweepInterval = 15 * time.Minute
)

// Sweeper periodically evicts idle sessions from a Store.
type Sweeper struct {
	store      *Store
	idleWindow time.Duration
	interval   time.Duration
	cron       *cron.Cron
	running    bool
}

// NewSweeper creates a sweeper for the given store. Zero durations fall back
// to the defaults.
func NewSweeper(store *Store, idleWindow, interval time.Duration) *Sweeper {
	if idleWindow == 0 {
		idleWindow = DefaultIdleWindow
	}
	if interval == 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:      store,
		idleWindow: idleWindow,
		interval:   interval,
		cron:       cron.New(),
	}
}

// Start schedules the recurring sweep.
func (sw *Sweeper) Start() error {
	if sw.running {
		return fmt.Errorf("sweeper is already running")
	}

	spec := fmt.Sprintf("@every %s", sw.interval)
	if _, err := sw.cron.AddFunc(spec, func() {
		sw.store.EvictIdle(sw.idleWindow)
	}); err != nil {
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}

	sw.cron.Start()
	sw.running = true

	log.Info().
		Dur("idle_window", sw.idleWindow).
		Dur("interval", sw.interval).
		Msg("Session sweeper started")
	return nil
}

// Stop halts the recurring sweep and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	if !sw.running {
		return
	}
	ctx := sw.cron.Stop()
	<-ctx.Done()
	sw.running = false
	log.Info().Msg("Session sweeper stopped")
}

// SweepNow runs one eviction pass immediately.
func (sw *Sweeper) SweepNow() int {
	return sw.store.EvictIdle(sw.idleWindow)
}
