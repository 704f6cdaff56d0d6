// Package diff captures per-group entity snapshots and computes the minimal
// change batch between consecutive ticks.
package diff

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"worldsync/server/internal/world"
)

// Operation classifies one entity change.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Change is one entry in a change batch. Entity carries the current state for
// inserts and updates; ChangedFields is populated for updates only and holds
// just the fields that differ.
type Change struct {
	EntityID           string         `json:"entityId"`
	Operation          Operation      `json:"operation"`
	ChangedFields      map[string]any `json:"changedFields,omitempty"`
	Entity             *world.Entity  `json:"entity,omitempty"`
	AffectedSessionIDs []string       `json:"affectedSessionIds,omitempty"`
}

// RecipientResolver maps an entity to the session ids that must be notified
// about its changes: sessions whose agent may currently view the entity.
type RecipientResolver func(entity world.Entity) []string

// Snapshot is one captured view of a sync group.
type Snapshot struct {
	TakenAt  time.Time
	Entities map[string]world.Entity
	Statuses map[string]world.EntityStatus
}

// Source is the slice of the entity store the tracker reads. Satisfied by
// world.Store.
type Source interface {
	ListBySyncGroup(group string) ([]world.Entity, error)
	ScriptsByGroup(group string) ([]world.ScriptResource, error)
}

// Tracker owns the per-group snapshot history.
type Tracker struct {
	source Source

	mu      sync.Mutex
	history map[string][]Snapshot
}

// NewTracker constructs a tracker over the store.
func NewTracker(source Source) *Tracker {
	return &Tracker{
		source:  source,
		history: make(map[string][]Snapshot),
	}
}

// CaptureAndDiff takes a snapshot of the group and diffs it against the
// immediately preceding snapshot of the same group. The returned duration is
// how long the store reads took, reported separately so the scheduler can
// flag a delayed tick off either signal. A group with no prior snapshot
// classifies everything as INSERT.
func (t *Tracker) CaptureAndDiff(group string, resolve RecipientResolver) ([]Change, time.Duration, error) {
	start := time.Now()
	snapshot, err := t.capture(group)
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("capture group %q: %w", group, err)
	}
	captureDuration := time.Since(start)

	t.mu.Lock()
	var prev *Snapshot
	if frames := t.history[group]; len(frames) > 0 {
		prev = &frames[len(frames)-1]
	}
	changes := DiffSnapshots(prev, &snapshot, resolve)
	t.history[group] = append(t.history[group], snapshot)
	t.mu.Unlock()

	return changes, captureDuration, nil
}

func (t *Tracker) capture(group string) (Snapshot, error) {
	entities, err := t.source.ListBySyncGroup(group)
	if err != nil {
		return Snapshot{}, err
	}
	scripts, err := t.source.ScriptsByGroup(group)
	if err != nil {
		return Snapshot{}, err
	}

	byEntity := make(map[string][]world.ScriptResource)
	for _, script := range scripts {
		for _, id := range script.EntityIDs {
			byEntity[id] = append(byEntity[id], script)
		}
	}

	snapshot := Snapshot{
		TakenAt:  time.Now(),
		Entities: make(map[string]world.Entity, len(entities)),
		Statuses: make(map[string]world.EntityStatus, len(entities)),
	}
	for _, entity := range entities {
		snapshot.Entities[entity.ID] = entity
		snapshot.Statuses[entity.ID] = world.DeriveStatus(byEntity[entity.ID])
	}
	return snapshot, nil
}

// DiffSnapshots computes the change set between two snapshots. It is a pure
// function: diffing the same pair twice yields identical batches. prev may be
// nil (cold start), in which case every entity is an insert.
func DiffSnapshots(prev, curr *Snapshot, resolve RecipientResolver) []Change {
	changes := make([]Change, 0)

	for id, entity := range curr.Entities {
		var prevEntity *world.Entity
		if prev != nil {
			if p, ok := prev.Entities[id]; ok {
				prevEntity = &p
			}
		}
		if prevEntity == nil {
			clone := entity.Clone()
			changes = append(changes, Change{
				EntityID:           id,
				Operation:          OpInsert,
				Entity:             &clone,
				AffectedSessionIDs: resolveSessions(resolve, entity),
			})
			continue
		}
		fields := changedFields(*prevEntity, entity, prev.Statuses[id], curr.Statuses[id])
		if len(fields) == 0 {
			continue
		}
		clone := entity.Clone()
		changes = append(changes, Change{
			EntityID:           id,
			Operation:          OpUpdate,
			ChangedFields:      fields,
			Entity:             &clone,
			AffectedSessionIDs: mergeSessions(resolveSessions(resolve, *prevEntity), resolveSessions(resolve, entity)),
		})
	}

	if prev != nil {
		for id, entity := range prev.Entities {
			if _, stillHere := curr.Entities[id]; stillHere {
				continue
			}
			changes = append(changes, Change{
				EntityID:           id,
				Operation:          OpDelete,
				AffectedSessionIDs: resolveSessions(resolve, entity),
			})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].EntityID < changes[j].EntityID })
	return changes
}

// changedFields returns only the tracked fields that differ, keyed by the
// entity's JSON field names, valued with the new state.
func changedFields(prev, curr world.Entity, prevStatus, currStatus world.EntityStatus) map[string]any {
	fields := make(map[string]any)
	if prev.Name != curr.Name {
		fields["name"] = curr.Name
	}
	if !bytes.Equal(prev.Payload, curr.Payload) {
		fields["payload"] = curr.Payload
	}
	if prev.SyncGroup != curr.SyncGroup {
		fields["syncGroup"] = curr.SyncGroup
	}
	if !equalRoles(prev.ViewRoles, curr.ViewRoles) {
		fields["viewRoles"] = curr.ViewRoles
	}
	if !equalRoles(prev.MutateRoles, curr.MutateRoles) {
		fields["mutateRoles"] = curr.MutateRoles
	}
	if prev.ExpiryAfterInactiveMs != curr.ExpiryAfterInactiveMs {
		fields["expiryAfterInactiveMs"] = curr.ExpiryAfterInactiveMs
	}
	if prev.ExpiryAfterCreatedMs != curr.ExpiryAfterCreatedMs {
		fields["expiryAfterCreatedMs"] = curr.ExpiryAfterCreatedMs
	}
	if prevStatus != currStatus {
		fields["status"] = currStatus
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// PruneOlderThan discards snapshots for the group older than the retention
// window. The immediately preceding snapshot is always kept so the next tick
// still has a diff base.
func (t *Tracker) PruneOlderThan(group string, retention time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := t.history[group]
	if len(frames) <= 1 {
		return 0
	}
	cutoff := now.Add(-retention)
	keepFrom := 0
	for i := 0; i < len(frames)-1; i++ {
		if frames[i].TakenAt.Before(cutoff) {
			keepFrom = i + 1
		}
	}
	if keepFrom == 0 {
		return 0
	}
	t.history[group] = append([]Snapshot(nil), frames[keepFrom:]...)
	return keepFrom
}

// SnapshotDepth reports how many snapshots are retained for the group.
func (t *Tracker) SnapshotDepth(group string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history[group])
}

func resolveSessions(resolve RecipientResolver, entity world.Entity) []string {
	if resolve == nil {
		return nil
	}
	ids := resolve(entity)
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return ids
}

func mergeSessions(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, id := range append(append([]string(nil), a...), b...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	sort.Strings(merged)
	return merged
}

func equalRoles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
