package config

import (
	"fmt"
	"sync/atomic"

	"worldsync/server/internal/telemetry"
)

// Registry holds the sync group table. Lookups are lock-free reads against an
// immutable map; Replace swaps the whole table in one step so a scheduler
// never observes a half-applied reload.
type Registry struct {
	groups atomic.Pointer[map[string]GroupConfig]
	logger telemetry.Logger
}

// NewRegistry builds a registry from the configured groups. Groups that fail
// validation are skipped with a warning rather than aborting the process; a
// group missing from the table is simply never scheduled.
func NewRegistry(groups []GroupConfig, logger telemetry.Logger) *Registry {
	r := &Registry{logger: logger}
	r.Replace(groups)
	return r
}

// Get returns the configuration for the named group.
func (r *Registry) Get(name string) (GroupConfig, error) {
	table := r.groups.Load()
	if table == nil {
		return GroupConfig{}, fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}
	group, ok := (*table)[name]
	if !ok {
		return GroupConfig{}, fmt.Errorf("%w: %q", ErrGroupNotFound, name)
	}
	return group, nil
}

// All returns every registered group. The returned slice is a copy.
func (r *Registry) All() []GroupConfig {
	table := r.groups.Load()
	if table == nil {
		return nil
	}
	out := make([]GroupConfig, 0, len(*table))
	for _, group := range *table {
		out = append(out, group)
	}
	return out
}

// Replace atomically installs a new group table. Invalid entries are dropped
// and logged; valid entries in the same batch still take effect.
func (r *Registry) Replace(groups []GroupConfig) {
	table := make(map[string]GroupConfig, len(groups))
	for _, group := range groups {
		if err := group.Validate(); err != nil {
			if r.logger != nil {
				r.logger.Printf("skipping sync group %q: %v", group.Name, err)
			}
			continue
		}
		if _, dup := table[group.Name]; dup {
			if r.logger != nil {
				r.logger.Printf("skipping duplicate sync group %q", group.Name)
			}
			continue
		}
		table[group.Name] = group
	}
	r.groups.Store(&table)
}
