package liveness

import (
	"context"
	"time"
)

// DefaultBeatInterval is how often a worker refreshes its record.
const DefaultBeatInterval = 30 * time.Second

// Beater periodically refreshes a liveness record from inside the worker.
type Beater struct {
	store    *Store
	interval time.Duration
}

func NewBeater(store *Store, interval time.Duration) *Beater {
	if interval <= 0 {
		interval = DefaultBeatInterval
	}
	return &Beater{store: store, interval: interval}
}

// Run writes a record immediately and then every interval until ctx is done.
func (b *Beater) Run(ctx context.Context) {
	b.store.Beat()
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.store.Beat()
		}
	}
}
