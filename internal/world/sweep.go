package world

import (
	"sync"
	"time"

	"worldsync/server/internal/telemetry"
)

// Sweeper runs the expiry sweep on its own timer, independent of ticking.
// Sweep failures are logged and the next interval proceeds; the sweep is
// best effort and never blocks tick capture.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   telemetry.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper constructs a sweeper over the store.
func NewSweeper(store Store, interval time.Duration, logger telemetry.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			removed, err := s.store.SweepExpired(now)
			if err != nil {
				if s.logger != nil {
					s.logger.Printf("expiry sweep failed: %v", err)
				}
				continue
			}
			if len(removed) > 0 && s.logger != nil {
				s.logger.Printf("expiry sweep removed %d entities", len(removed))
			}
		}
	}
}

// Interval reports the configured sweep cadence for the stats surface.
func (s *Sweeper) Interval() time.Duration { return s.interval }

// Stop halts the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
