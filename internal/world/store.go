package world

import (
	"errors"
	"time"

	"worldsync/server/internal/auth"
)

var (
	// ErrNotFound reports a lookup for an entity or script that does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrPermissionDenied reports an authenticated caller lacking the role
	// required for the attempted operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrStoreUnavailable wraps transient backend failures. Callers in the
	// tick path log and reschedule rather than crash.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Operation identifies what a caller is trying to do, for permission checks.
type Operation string

const (
	OpView   Operation = "view"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Store is the authoritative entity collection. Mutating operations take the
// caller's permission context and fail with ErrPermissionDenied when it lacks
// the relevant role. Snapshot reads used by tick capture go through
// ListBySyncGroup and always observe fully committed versions.
type Store interface {
	Create(ctx auth.Context, entity Entity) (Entity, error)
	Get(ctx auth.Context, id string) (Entity, error)
	Update(ctx auth.Context, id string, mut Mutation) (Entity, error)
	Delete(ctx auth.Context, id string) error

	// ListBySyncGroup is the capture path: it is not permission filtered,
	// recipients are filtered later per session.
	ListBySyncGroup(group string) ([]Entity, error)

	// SweepExpired removes entities whose expiry policy has elapsed and
	// returns their ids so the next diff reports the deletions.
	SweepExpired(now time.Time) ([]string, error)

	PutScript(ctx auth.Context, script ScriptResource) (ScriptResource, error)
	ScriptsByGroup(group string) ([]ScriptResource, error)
	ScriptsForEntity(entityID string) ([]ScriptResource, error)
	DeleteScript(ctx auth.Context, id string) error

	Close() error
}
