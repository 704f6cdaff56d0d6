package diff

import (
	"sync"
	"time"

	"worldsync/server/internal/config"
	"worldsync/server/internal/telemetry"
)

// Cleaner prunes stale snapshots on its own timer, independent of the tick
// loops. Each group's retention comes from its configured buffer duration.
type Cleaner struct {
	tracker  *Tracker
	registry *config.Registry
	interval time.Duration
	logger   telemetry.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCleaner constructs a cleaner over the tracker.
func NewCleaner(tracker *Tracker, registry *config.Registry, interval time.Duration, logger telemetry.Logger) *Cleaner {
	if interval <= 0 {
		interval = time.Second
	}
	return &Cleaner{
		tracker:  tracker,
		registry: registry,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the cleanup loop.
func (c *Cleaner) Start() {
	go c.run()
}

func (c *Cleaner) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.Prune(now)
		}
	}
}

// Prune runs one cleanup pass across every registered group.
func (c *Cleaner) Prune(now time.Time) {
	for _, group := range c.registry.All() {
		retention := time.Duration(group.BufferDurationMs) * time.Millisecond
		if dropped := c.tracker.PruneOlderThan(group.Name, retention, now); dropped > 0 && c.logger != nil {
			c.logger.Printf("pruned %d stale snapshots for group %q", dropped, group.Name)
		}
	}
}

// Stop halts the loop. Safe to call more than once.
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}
