package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Target is one persisted state object. Snapshot is called outside any
// lock held by the flusher; implementations copy under their own lock.
type Target struct {
	Name      string
	Path      string
	Dirty     func() bool
	Snapshot  func() any
	MarkClean func()
}

// Flusher writes registered targets on a fixed cadence: dirty targets on
// every sweep, all targets when the last successful write is older than
// the force interval.
type Flusher struct {
	log       zerolog.Logger
	interval  time.Duration
	force     time.Duration
	targets   []Target
	lastWrite map[string]time.Time
	now       func() time.Time
}

// NewFlusher builds a flusher for the given targets.
func NewFlusher(log zerolog.Logger, interval, force time.Duration, targets ...Target) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if force <= 0 {
		force = 10 * time.Second
	}
	return &Flusher{
		log:       log.With().Str("component", "flusher").Logger(),
		interval:  interval,
		force:     force,
		targets:   targets,
		lastWrite: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run sweeps until ctx is cancelled, then performs a final forced flush.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.FlushAll()
			return
		case <-ticker.C:
			f.sweep(f.now())
		}
	}
}

// FlushAll writes every dirty target immediately. Used at shutdown.
func (f *Flusher) FlushAll() {
	for _, t := range f.targets {
		if t.Dirty == nil || t.Dirty() {
			f.write(t)
		}
	}
}

func (f *Flusher) sweep(now time.Time) {
	for _, t := range f.targets {
		dirty := t.Dirty == nil || t.Dirty()
		stale := now.Sub(f.lastWrite[t.Name]) >= f.force
		if !dirty && !stale {
			continue
		}
		if f.write(t) {
			f.lastWrite[t.Name] = now
		}
	}
}

func (f *Flusher) write(t Target) bool {
	if err := SaveJSON(t.Path, t.Snapshot()); err != nil {
		f.log.Error().Err(err).Str("target", t.Name).Msg("flush failed")
		return false
	}
	if t.MarkClean != nil {
		t.MarkClean()
	}
	f.log.Debug().Str("target", t.Name).Str("path", t.Path).Msg("flushed")
	return true
}
