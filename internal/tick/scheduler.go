// Package tick drives one self-correcting timer loop per sync group. A loop
// schedules its next wake before running the current tick's work, so drift
// never accumulates, and coalesces overlapping ticks instead of queuing them.
package tick

import (
	"fmt"
	"sync"
	"time"

	"worldsync/server/internal/config"
	"worldsync/server/internal/telemetry"
)

// Tick records one synchronization cycle for a group.
type Tick struct {
	Group      string    `json:"group"`
	Number     uint64    `json:"number"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	DurationMs int64     `json:"durationMs"`
	IsDelayed  bool      `json:"isDelayed"`
	HeadroomMs int64     `json:"headroomMs"`
}

// Runner executes the body of one tick: capture, diff, deliver. The returned
// duration is the storage-reported capture time; either it or the locally
// measured wall-clock duration exceeding the tick rate flags the tick
// delayed.
type Runner func(group config.GroupConfig, tick Tick) (time.Duration, error)

// DefaultErrorBackoff is how long a loop waits after a failed tick before
// rescheduling.
const DefaultErrorBackoff = time.Second

// GroupStatus is the observable state of one group loop.
type GroupStatus struct {
	Group      string `json:"group"`
	Processing bool   `json:"processing"`
	Pending    bool   `json:"pending"`
	LastTick   *Tick  `json:"lastTick,omitempty"`
}

// Scheduler owns every group loop.
type Scheduler struct {
	registry *config.Registry
	run      Runner
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	backoff  time.Duration

	mu      sync.Mutex
	loops   map[string]*groupLoop
	started bool

	stopOnce sync.Once
}

// NewScheduler constructs a scheduler; Start launches the loops.
func NewScheduler(registry *config.Registry, run Runner, logger telemetry.Logger, metrics telemetry.Metrics) *Scheduler {
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Scheduler{
		registry: registry,
		run:      run,
		logger:   logger,
		metrics:  metrics,
		backoff:  DefaultErrorBackoff,
		loops:    make(map[string]*groupLoop),
	}
}

// SetErrorBackoff overrides the post-failure reschedule delay. Tests use a
// short value; zero restores the default. Loops already running pick up the
// new delay on their next failure.
func (s *Scheduler) SetErrorBackoff(d time.Duration) {
	if d <= 0 {
		d = DefaultErrorBackoff
	}
	s.mu.Lock()
	s.backoff = d
	for _, loop := range s.loops {
		loop.setBackoff(d)
	}
	s.mu.Unlock()
}

// Start launches one loop per enabled group. Disabled groups are skipped.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, group := range s.registry.All() {
		if !group.Enabled {
			continue
		}
		loop := newGroupLoop(group, s.run, s.backoff, s.logger, s.metrics)
		s.loops[group.Name] = loop
		go loop.run()
	}
}

// Stop halts every loop. In-flight ticks finish; the call blocks until every
// loop has drained. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		loops := make([]*groupLoop, 0, len(s.loops))
		for _, loop := range s.loops {
			loops = append(loops, loop)
		}
		s.mu.Unlock()
		for _, loop := range loops {
			loop.requestStop()
		}
		for _, loop := range loops {
			<-loop.done
		}
	})
}

// Status reports the observable state of every loop.
func (s *Scheduler) Status() []GroupStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GroupStatus, 0, len(s.loops))
	for _, loop := range s.loops {
		out = append(out, loop.status())
	}
	return out
}

type tickResult struct {
	tick     Tick
	reported time.Duration
	err      error
}

type groupLoop struct {
	cfg     config.GroupConfig
	rate    time.Duration
	runner  Runner
	logger  telemetry.Logger
	metrics telemetry.Metrics

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu         sync.Mutex
	backoff    time.Duration
	tickNumber uint64
	processing bool
	pending    bool
	lastTick   *Tick
}

func newGroupLoop(cfg config.GroupConfig, run Runner, backoff time.Duration, logger telemetry.Logger, metrics telemetry.Metrics) *groupLoop {
	return &groupLoop{
		cfg:     cfg,
		rate:    time.Duration(cfg.TickRateMs) * time.Millisecond,
		runner:  run,
		backoff: backoff,
		logger:  logger,
		metrics: metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (l *groupLoop) run() {
	defer close(l.done)

	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	tickDone := make(chan tickResult, 1)

	for {
		select {
		case <-l.stop:
			if l.isProcessing() {
				// Let the in-flight tick finish rather than aborting a
				// half-computed diff.
				result := <-tickDone
				l.finishTick(result)
			}
			return
		case <-timer.C:
			// Advance the schedule before running the work so an overrun
			// does not push every later tick.
			next = next.Add(l.rate)
			timer.Reset(time.Until(next))
			if l.isProcessing() {
				l.setPending(true)
				continue
			}
			l.startTick(tickDone)
		case result := <-tickDone:
			l.finishTick(result)
			if result.err != nil {
				if l.logger != nil {
					l.logger.Printf("tick %d failed for group %q: %v", result.tick.Number, l.cfg.Name, result.err)
				}
				l.setPending(false)
				next = time.Now().Add(l.errorBackoff())
				resetTimer(timer, time.Until(next))
				continue
			}
			if l.takePending() {
				// Exactly one coalesced run absorbs however many intervals
				// were missed while the previous tick was processing.
				l.startTick(tickDone)
			}
		}
	}
}

func (l *groupLoop) startTick(tickDone chan<- tickResult) {
	l.mu.Lock()
	l.processing = true
	l.tickNumber++
	tick := Tick{
		Group:     l.cfg.Name,
		Number:    l.tickNumber,
		StartTime: time.Now(),
	}
	l.mu.Unlock()

	go func() {
		reported, err := l.runSafely(tick)
		tick.EndTime = time.Now()
		duration := tick.EndTime.Sub(tick.StartTime)
		tick.DurationMs = duration.Milliseconds()
		tick.IsDelayed = duration > l.rate || reported > l.rate
		headroom := l.rate - duration
		if headroom < 0 {
			headroom = 0
		}
		tick.HeadroomMs = headroom.Milliseconds()
		tickDone <- tickResult{tick: tick, reported: reported, err: err}
	}()
}

// runSafely converts a panic inside tick work into an error so a bad tick
// never kills the loop.
func (l *groupLoop) runSafely(tick Tick) (reported time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return l.runner(l.cfg, tick)
}

func (l *groupLoop) finishTick(result tickResult) {
	l.mu.Lock()
	l.processing = false
	tick := result.tick
	l.lastTick = &tick
	l.mu.Unlock()

	l.metrics.Add("ticks_total:"+l.cfg.Name, 1)
	l.metrics.Store("tick_duration_ms:"+l.cfg.Name, uint64(result.tick.DurationMs))
	l.metrics.Store("tick_headroom_ms:"+l.cfg.Name, uint64(result.tick.HeadroomMs))
	if result.tick.IsDelayed {
		l.metrics.Add("ticks_delayed:"+l.cfg.Name, 1)
		if l.logger != nil {
			// Both duration signals logged for diagnosis; either one past
			// the rate marks the tick delayed.
			l.logger.Printf("delayed tick %d for group %q: measured=%dms reported=%dms rate=%dms",
				result.tick.Number, l.cfg.Name, result.tick.DurationMs,
				result.reported.Milliseconds(), l.cfg.TickRateMs)
		}
	}
}

func (l *groupLoop) setBackoff(d time.Duration) {
	l.mu.Lock()
	l.backoff = d
	l.mu.Unlock()
}

func (l *groupLoop) errorBackoff() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoff
}

func (l *groupLoop) isProcessing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processing
}

func (l *groupLoop) setPending(v bool) {
	l.mu.Lock()
	l.pending = v
	l.mu.Unlock()
}

func (l *groupLoop) takePending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.pending {
		return false
	}
	l.pending = false
	return true
}

func (l *groupLoop) status() GroupStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	status := GroupStatus{
		Group:      l.cfg.Name,
		Processing: l.processing,
		Pending:    l.pending,
	}
	if l.lastTick != nil {
		tick := *l.lastTick
		status.LastTick = &tick
	}
	return status
}

func (l *groupLoop) requestStop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("tick panicked: %v", e.value)
}
