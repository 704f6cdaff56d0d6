package world

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"worldsync/server/internal/auth"
	"worldsync/server/internal/config"
)

// MemoryStore is the in-process Store implementation. A single mutex guards
// the tables; every read hands out clones so a snapshot never aliases state
// that a concurrent write is mutating.
type MemoryStore struct {
	registry *config.Registry

	mu       sync.RWMutex
	entities map[string]Entity
	scripts  map[string]ScriptResource
}

// NewMemoryStore constructs an empty store over the given group registry.
func NewMemoryStore(registry *config.Registry) *MemoryStore {
	return &MemoryStore{
		registry: registry,
		entities: make(map[string]Entity),
		scripts:  make(map[string]ScriptResource),
	}
}

// Create inserts a new entity. The caller needs the insert role for the
// entity's sync group; an unknown group is rejected.
func (s *MemoryStore) Create(ctx auth.Context, entity Entity) (Entity, error) {
	group, err := s.registry.Get(entity.SyncGroup)
	if err != nil {
		return Entity{}, err
	}
	if !authorize(ctx, group, nil, OpInsert) {
		return Entity{}, fmt.Errorf("%w: insert into group %q", ErrPermissionDenied, entity.SyncGroup)
	}
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	now := time.Now()
	entity.CreatedBy = ctx.AgentID
	entity.CreatedAt = now
	entity.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[entity.ID]; exists {
		return Entity{}, fmt.Errorf("entity %q already exists", entity.ID)
	}
	s.entities[entity.ID] = entity.Clone()
	return entity, nil
}

// Get returns the entity if the caller may view it.
func (s *MemoryStore) Get(ctx auth.Context, id string) (Entity, error) {
	s.mu.RLock()
	entity, ok := s.entities[id]
	s.mu.RUnlock()
	if !ok {
		return Entity{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	group, err := s.registry.Get(entity.SyncGroup)
	if err != nil {
		return Entity{}, err
	}
	if !authorize(ctx, group, &entity, OpView) {
		return Entity{}, fmt.Errorf("%w: view %q", ErrPermissionDenied, id)
	}
	return entity.Clone(), nil
}

// Update applies a partial mutation under the caller's permission context.
func (s *MemoryStore) Update(ctx auth.Context, id string, mut Mutation) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[id]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	group, err := s.registry.Get(entity.SyncGroup)
	if err != nil {
		return Entity{}, err
	}
	if !authorize(ctx, group, &entity, OpUpdate) {
		return Entity{}, fmt.Errorf("%w: update %q", ErrPermissionDenied, id)
	}
	if mut.SyncGroup != nil && *mut.SyncGroup != entity.SyncGroup {
		// Moving groups needs insert rights on the destination.
		dest, err := s.registry.Get(*mut.SyncGroup)
		if err != nil {
			return Entity{}, err
		}
		if !authorize(ctx, dest, nil, OpInsert) {
			return Entity{}, fmt.Errorf("%w: move %q into group %q", ErrPermissionDenied, id, *mut.SyncGroup)
		}
		entity.SyncGroup = *mut.SyncGroup
	}

	applyMutation(&entity, mut)
	entity.UpdatedAt = time.Now()
	s.entities[id] = entity.Clone()
	return entity, nil
}

// Delete removes the entity under the caller's permission context.
func (s *MemoryStore) Delete(ctx auth.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	group, err := s.registry.Get(entity.SyncGroup)
	if err != nil {
		return err
	}
	if !authorize(ctx, group, &entity, OpDelete) {
		return fmt.Errorf("%w: delete %q", ErrPermissionDenied, id)
	}
	delete(s.entities, id)
	return nil
}

// ListBySyncGroup returns clones of every entity in the group.
func (s *MemoryStore) ListBySyncGroup(group string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0)
	for _, entity := range s.entities {
		if entity.SyncGroup == group {
			out = append(out, entity.Clone())
		}
	}
	return out, nil
}

// SweepExpired deletes entities whose expiry policy has elapsed, along with
// scripts left attached to nothing.
func (s *MemoryStore) SweepExpired(now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, entity := range s.entities {
		if entity.Expired(now) {
			delete(s.entities, id)
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	for scriptID, script := range s.scripts {
		if len(script.EntityIDs) == 0 {
			continue
		}
		remaining := script.EntityIDs[:0]
		for _, entityID := range script.EntityIDs {
			if _, alive := s.entities[entityID]; alive {
				remaining = append(remaining, entityID)
			}
		}
		if len(remaining) == 0 {
			delete(s.scripts, scriptID)
			continue
		}
		script.EntityIDs = remaining
		s.scripts[scriptID] = script
	}
	return removed, nil
}

// PutScript inserts or replaces a script resource. Scripts mutate through the
// update role of their sync group.
func (s *MemoryStore) PutScript(ctx auth.Context, script ScriptResource) (ScriptResource, error) {
	group, err := s.registry.Get(script.SyncGroup)
	if err != nil {
		return ScriptResource{}, err
	}
	if !authorize(ctx, group, nil, OpUpdate) {
		return ScriptResource{}, fmt.Errorf("%w: put script in group %q", ErrPermissionDenied, script.SyncGroup)
	}
	if script.ID == "" {
		script.ID = uuid.NewString()
	}
	now := time.Now()
	script.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.scripts[script.ID]; ok {
		script.CreatedAt = existing.CreatedAt
	} else {
		script.CreatedAt = now
	}
	s.scripts[script.ID] = script.Clone()
	return script, nil
}

// ScriptsByGroup returns clones of every script in the group.
func (s *MemoryStore) ScriptsByGroup(group string) ([]ScriptResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScriptResource, 0)
	for _, script := range s.scripts {
		if script.SyncGroup == group {
			out = append(out, script.Clone())
		}
	}
	return out, nil
}

// ScriptsForEntity returns clones of every script attached to the entity.
func (s *MemoryStore) ScriptsForEntity(entityID string) ([]ScriptResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScriptResource, 0)
	for _, script := range s.scripts {
		for _, id := range script.EntityIDs {
			if id == entityID {
				out = append(out, script.Clone())
				break
			}
		}
	}
	return out, nil
}

// DeleteScript removes a script resource.
func (s *MemoryStore) DeleteScript(ctx auth.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	script, ok := s.scripts[id]
	if !ok {
		return fmt.Errorf("%w: script %q", ErrNotFound, id)
	}
	group, err := s.registry.Get(script.SyncGroup)
	if err != nil {
		return err
	}
	if !authorize(ctx, group, nil, OpDelete) {
		return fmt.Errorf("%w: delete script %q", ErrPermissionDenied, id)
	}
	delete(s.scripts, id)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func applyMutation(entity *Entity, mut Mutation) {
	if mut.Name != nil {
		entity.Name = *mut.Name
	}
	if mut.Payload != nil {
		entity.Payload = append([]byte(nil), mut.Payload...)
	}
	if mut.ViewRoles != nil {
		entity.ViewRoles = append([]string(nil), mut.ViewRoles...)
	}
	if mut.MutateRoles != nil {
		entity.MutateRoles = append([]string(nil), mut.MutateRoles...)
	}
	if mut.ExpiryAfterInactiveMs != nil {
		entity.ExpiryAfterInactiveMs = *mut.ExpiryAfterInactiveMs
	}
	if mut.ExpiryAfterCreatedMs != nil {
		entity.ExpiryAfterCreatedMs = *mut.ExpiryAfterCreatedMs
	}
}
