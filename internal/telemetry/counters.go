package telemetry

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Counters is a concurrency-safe key/value metrics sink backing the stats
// endpoint.
type Counters struct {
	mu     sync.RWMutex
	values map[string]uint64
}

// NewCounters constructs an empty counter set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]uint64)}
}

// Add increments the named counter by delta.
func (c *Counters) Add(key string, delta uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.values[key] += delta
	c.mu.Unlock()
}

// Store replaces the named counter with value.
func (c *Counters) Store(key string, value uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

// Snapshot returns a copy of every counter for diagnostics serialization.
func (c *Counters) Snapshot() map[string]uint64 {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// NewZap builds the process logger. The configuration mirrors a plain console
// encoder writing to stderr; level accepts the usual zap level names.
func NewZap(level string) (*zap.SugaredLogger, error) {
	if level == "" {
		level = "info"
	}
	cfgJSON := []byte(`{
		"level": "` + level + `",
		"outputPaths": ["stderr"],
		"errorOutputPaths": ["stderr"],
		"encoding": "console",
		"encoderConfig": {
			"messageKey": "message",
			"levelKey": "level",
			"timeKey": "ts",
			"levelEncoder": "lowercase",
			"timeEncoder": "iso8601"
		}
	}`)

	var cfg zap.Config
	if err := json.Unmarshal(cfgJSON, &cfg); err != nil {
		return nil, err
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
