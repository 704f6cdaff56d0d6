// Package world owns the authoritative entity collection: versioned entities,
// their attached script resources, and the permission-checked store they are
// mutated through.
package world

import (
	"encoding/json"
	"time"
)

// ScriptStatus tracks compilation progress for one script on one platform.
type ScriptStatus string

const (
	ScriptPending  ScriptStatus = "PENDING"
	ScriptCompiled ScriptStatus = "COMPILED"
	ScriptFailed   ScriptStatus = "FAILED"
)

// EntityStatus derives from the worst status of the entity's attached scripts.
type EntityStatus string

const (
	StatusActive          EntityStatus = "ACTIVE"
	StatusAwaitingScripts EntityStatus = "AWAITING_SCRIPTS"
	StatusScriptFailed    EntityStatus = "SCRIPT_FAILED"
)

// Entity is one synchronized object. Payload is opaque to the core; clients
// agree on its shape out of band.
type Entity struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SyncGroup   string          `json:"syncGroup"`
	ViewRoles   []string        `json:"viewRoles,omitempty"`
	MutateRoles []string        `json:"mutateRoles,omitempty"`
	CreatedBy   string          `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`

	// Expiry thresholds in milliseconds; zero disables the policy.
	ExpiryAfterInactiveMs int64 `json:"expiryAfterInactiveMs,omitempty"`
	ExpiryAfterCreatedMs  int64 `json:"expiryAfterCreatedMs,omitempty"`
}

// Clone returns a deep copy so callers can never alias store-owned state.
func (e Entity) Clone() Entity {
	out := e
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.ViewRoles != nil {
		out.ViewRoles = append([]string(nil), e.ViewRoles...)
	}
	if e.MutateRoles != nil {
		out.MutateRoles = append([]string(nil), e.MutateRoles...)
	}
	return out
}

// Expired reports whether either expiry policy has elapsed at now.
func (e Entity) Expired(now time.Time) bool {
	if e.ExpiryAfterInactiveMs > 0 {
		if now.Sub(e.UpdatedAt) > time.Duration(e.ExpiryAfterInactiveMs)*time.Millisecond {
			return true
		}
	}
	if e.ExpiryAfterCreatedMs > 0 {
		if now.Sub(e.CreatedAt) > time.Duration(e.ExpiryAfterCreatedMs)*time.Millisecond {
			return true
		}
	}
	return false
}

// ScriptResource is a versioned compiled-code blob attached to entities.
type ScriptResource struct {
	ID        string       `json:"id"`
	EntityIDs []string     `json:"entityIds,omitempty"`
	SyncGroup string       `json:"syncGroup"`
	Platform  string       `json:"platform"`
	Status    ScriptStatus `json:"status"`
	Compiled  []byte       `json:"compiled,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Clone returns a deep copy of the script resource.
func (s ScriptResource) Clone() ScriptResource {
	out := s
	if s.EntityIDs != nil {
		out.EntityIDs = append([]string(nil), s.EntityIDs...)
	}
	if s.Compiled != nil {
		out.Compiled = append([]byte(nil), s.Compiled...)
	}
	return out
}

// DeriveStatus folds the statuses of the scripts attached to an entity into
// the entity's own status. Any pending script keeps the entity waiting; a
// failure only surfaces once nothing is still pending.
func DeriveStatus(scripts []ScriptResource) EntityStatus {
	status := StatusActive
	for _, script := range scripts {
		switch script.Status {
		case ScriptPending:
			return StatusAwaitingScripts
		case ScriptFailed:
			status = StatusScriptFailed
		}
	}
	return status
}

// Mutation describes a partial update. Nil fields are left untouched.
type Mutation struct {
	Name        *string
	Payload     json.RawMessage
	SyncGroup   *string
	ViewRoles   []string
	MutateRoles []string

	ExpiryAfterInactiveMs *int64
	ExpiryAfterCreatedMs  *int64
}
