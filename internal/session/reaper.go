package session

import (
	"sync"
	"time"

	"worldsync/server/internal/auth"
	"worldsync/server/internal/telemetry"
)

// Validator re-checks a session's stored credentials. Satisfied by auth.Gate.
type Validator interface {
	Authenticate(token, provider string) (auth.Identity, error)
}

// Reaper is the background liveness check. On a fixed interval every active
// session's credentials are re-validated concurrently and its heartbeat age
// is checked; failures force-close and unregister the session. The loop runs
// independent of message traffic so idle-but-invalid sessions are still
// reaped.
type Reaper struct {
	registry  *Registry
	validator Validator
	interval  time.Duration
	timeout   time.Duration
	logger    telemetry.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReaper constructs a reaper over the registry.
func NewReaper(registry *Registry, validator Validator, interval, timeout time.Duration, logger telemetry.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &Reaper{
		registry:  registry,
		validator: validator,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the liveness loop.
func (r *Reaper) Start() {
	go r.run()
}

func (r *Reaper) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep runs one liveness pass. Exported so tests can drive it directly.
func (r *Reaper) Sweep(now time.Time) {
	stale := r.registry.staleSessions(now.Add(-r.timeout))
	for _, sess := range stale {
		r.evict(sess, "heartbeat timeout")
	}

	active := r.registry.ListActive()
	var wg sync.WaitGroup
	for _, sess := range active {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if _, err := r.validator.Authenticate(sess.Token, sess.Provider); err != nil {
				r.evict(sess, "credential validation failed")
			}
		}(sess)
	}
	wg.Wait()
}

func (r *Reaper) evict(sess *Session, reason string) {
	if !r.registry.Unregister(sess.ID) {
		return
	}
	if r.logger != nil {
		r.logger.Printf("closing session %s (agent %s): %s", sess.ID, sess.AgentID, reason)
	}
	if sess.Conn != nil {
		sess.Conn.Close(reason)
	}
}

// Stop halts the loop. Safe to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}
