package world

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"worldsync/server/internal/auth"
	"worldsync/server/internal/config"
)

// SQLiteStore is the durable Store implementation. WAL mode keeps snapshot
// reads from blocking writers; a write mutex serializes mutations so a
// capture never observes a partially applied update to one entity.
type SQLiteStore struct {
	registry *config.Registry
	db       *sql.DB

	writeMu sync.Mutex
}

// OpenSQLite opens (or creates) the database at path and migrates the schema.
func OpenSQLite(path string, registry *config.Registry) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{registry: registry, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		payload      TEXT,
		sync_group   TEXT NOT NULL,
		view_roles   TEXT NOT NULL DEFAULT '[]',
		mutate_roles TEXT NOT NULL DEFAULT '[]',
		created_by   TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		expiry_inactive_ms INTEGER NOT NULL DEFAULT 0,
		expiry_created_ms  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_entities_group ON entities(sync_group);

	CREATE TABLE IF NOT EXISTS scripts (
		id         TEXT PRIMARY KEY,
		entity_ids TEXT NOT NULL DEFAULT '[]',
		sync_group TEXT NOT NULL,
		platform   TEXT NOT NULL,
		status     TEXT NOT NULL,
		compiled   BLOB,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scripts_group ON scripts(sync_group);
	`
	_, err := s.db.Exec(schema)
	return err
}

// retryOnContention retries write operations that hit transient SQLite
// contention errors (BUSY, LOCKED, short WAL reads).
func retryOnContention(fn func() error) error {
	const maxRetries = 3
	delay := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = fn(); err == nil || !isTransientSQLiteErr(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx auth.Context, entity Entity) (Entity, error) {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = retryOnContention(func() error {
		_, execErr := s.db.Exec(`INSERT INTO entities
			(id, name, payload, sync_group, view_roles, mutate_roles, created_by, created_at, updated_at, expiry_inactive_ms, expiry_created_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entity.ID, entity.Name, string(entity.Payload), entity.SyncGroup,
			marshalRoles(entity.ViewRoles), marshalRoles(entity.MutateRoles),
			entity.CreatedBy, entity.CreatedAt.UnixMilli(), entity.UpdatedAt.UnixMilli(),
			entity.ExpiryAfterInactiveMs, entity.ExpiryAfterCreatedMs)
		return execErr
	})
	if err != nil {
		return Entity{}, fmt.Errorf("%w: insert entity: %v", ErrStoreUnavailable, err)
	}
	return entity, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx auth.Context, id string) (Entity, error) {
	entity, err := s.getRaw(id)
	if err != nil {
		return Entity{}, err
	}
	group, err := s.registry.Get(entity.SyncGroup)
	if err != nil {
		return Entity{}, err
	}
	if !authorize(ctx, group, &entity, OpView) {
		return Entity{}, fmt.Errorf("%w: view %q", ErrPermissionDenied, id)
	}
	return entity, nil
}

func (s *SQLiteStore) getRaw(id string) (Entity, error) {
	row := s.db.QueryRow(`SELECT id, name, payload, sync_group, view_roles, mutate_roles,
		created_by, created_at, updated_at, expiry_inactive_ms, expiry_created_ms
		FROM entities WHERE id = ?`, id)
	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return Entity{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return Entity{}, fmt.Errorf("%w: read entity: %v", ErrStoreUnavailable, err)
	}
	return entity, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx auth.Context, id string, mut Mutation) (Entity, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entity, err := s.getRaw(id)
	if err != nil {
		return Entity{}, err
	}
	group, err := s.registry.Get(entity.SyncGroup)
	if err != nil {
		return Entity{}, err
	}
	if !authorize(ctx, group, &entity, OpUpdate) {
		return Entity{}, fmt.Errorf("%w: update %q", ErrPermissionDenied, id)
	}
	if mut.SyncGroup != nil && *mut.SyncGroup != entity.SyncGroup {
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

	err = retryOnContention(func() error {
		_, execErr := s.db.Exec(`UPDATE entities SET
			name = ?, payload = ?, sync_group = ?, view_roles = ?, mutate_roles = ?,
			updated_at = ?, expiry_inactive_ms = ?, expiry_created_ms = ?
			WHERE id = ?`,
			entity.Name, string(entity.Payload), entity.SyncGroup,
			marshalRoles(entity.ViewRoles), marshalRoles(entity.MutateRoles),
			entity.UpdatedAt.UnixMilli(), entity.ExpiryAfterInactiveMs, entity.ExpiryAfterCreatedMs,
			entity.ID)
		return execErr
	})
	if err != nil {
		return Entity{}, fmt.Errorf("%w: update entity: %v", ErrStoreUnavailable, err)
	}
	return entity, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx auth.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entity, err := s.getRaw(id)
	if err != nil {
		return err
	}
	group, err := s.registry.Get(entity.SyncGroup)
	if err != nil {
		return err
	}
	if !authorize(ctx, group, &entity, OpDelete) {
		return fmt.Errorf("%w: delete %q", ErrPermissionDenied, id)
	}
	err = retryOnContention(func() error {
		_, execErr := s.db.Exec(`DELETE FROM entities WHERE id = ?`, id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("%w: delete entity: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ListBySyncGroup implements Store.
func (s *SQLiteStore) ListBySyncGroup(group string) ([]Entity, error) {
	rows, err := s.db.Query(`SELECT id, name, payload, sync_group, view_roles, mutate_roles,
		created_by, created_at, updated_at, expiry_inactive_ms, expiry_created_ms
		FROM entities WHERE sync_group = ?`, group)
	if err != nil {
		return nil, fmt.Errorf("%w: list entities: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := make([]Entity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entity: %v", ErrStoreUnavailable, err)
		}
		out = append(out, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list entities: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// SweepExpired implements Store.
func (s *SQLiteStore) SweepExpired(now time.Time) ([]string, error) {
	nowMs := now.UnixMilli()
	rows, err := s.db.Query(`SELECT id FROM entities WHERE
		(expiry_inactive_ms > 0 AND ? - updated_at > expiry_inactive_ms) OR
		(expiry_created_ms > 0 AND ? - created_at > expiry_created_ms)`, nowMs, nowMs)
	if err != nil {
		return nil, fmt.Errorf("%w: sweep query: %v", ErrStoreUnavailable, err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: sweep scan: %v", ErrStoreUnavailable, err)
		}
		expired = append(expired, id)
	}
	rows.Close()
	if len(expired) == 0 {
		return nil, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	removed := make([]string, 0, len(expired))
	for _, id := range expired {
		deleted, err := s.deleteIfExpired(id, nowMs)
		if err != nil {
			return removed, fmt.Errorf("%w: sweep delete %q: %v", ErrStoreUnavailable, id, err)
		}
		if deleted {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, nil
}

// deleteIfExpired removes an entity only if it still satisfies the expiry
// predicate at delete time. A write that refreshed updated_at between the
// sweep's candidate query and the delete keeps the entity alive.
func (s *SQLiteStore) deleteIfExpired(id string, nowMs int64) (bool, error) {
	var affected int64
	err := retryOnContention(func() error {
		res, execErr := s.db.Exec(`DELETE FROM entities WHERE id = ? AND (
			(expiry_inactive_ms > 0 AND ? - updated_at > expiry_inactive_ms) OR
			(expiry_created_ms > 0 AND ? - created_at > expiry_created_ms))`, id, nowMs, nowMs)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	return affected > 0, err
}

// PutScript implements Store.
func (s *SQLiteStore) PutScript(ctx auth.Context, script ScriptResource) (ScriptResource, error) {
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
	if script.CreatedAt.IsZero() {
		script.CreatedAt = now
	}
	ids, _ := json.Marshal(script.EntityIDs)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = retryOnContention(func() error {
		_, execErr := s.db.Exec(`INSERT INTO scripts (id, entity_ids, sync_group, platform, status, compiled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				entity_ids = excluded.entity_ids, sync_group = excluded.sync_group,
				platform = excluded.platform, status = excluded.status,
				compiled = excluded.compiled, updated_at = excluded.updated_at`,
			script.ID, string(ids), script.SyncGroup, script.Platform, string(script.Status),
			script.Compiled, script.CreatedAt.UnixMilli(), script.UpdatedAt.UnixMilli())
		return execErr
	})
	if err != nil {
		return ScriptResource{}, fmt.Errorf("%w: put script: %v", ErrStoreUnavailable, err)
	}
	return script, nil
}

// ScriptsByGroup implements Store.
func (s *SQLiteStore) ScriptsByGroup(group string) ([]ScriptResource, error) {
	return s.queryScripts(`SELECT id, entity_ids, sync_group, platform, status, compiled, created_at, updated_at
		FROM scripts WHERE sync_group = ?`, group)
}

// ScriptsForEntity implements Store.
func (s *SQLiteStore) ScriptsForEntity(entityID string) ([]ScriptResource, error) {
	// entity_ids is a JSON array; match on the quoted id.
	return s.queryScripts(`SELECT id, entity_ids, sync_group, platform, status, compiled, created_at, updated_at
		FROM scripts WHERE entity_ids LIKE ?`, `%"`+entityID+`"%`)
}

func (s *SQLiteStore) queryScripts(query string, arg any) ([]ScriptResource, error) {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("%w: list scripts: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := make([]ScriptResource, 0)
	for rows.Next() {
		var script ScriptResource
		var ids, status string
		var createdAt, updatedAt int64
		if err := rows.Scan(&script.ID, &ids, &script.SyncGroup, &script.Platform, &status,
			&script.Compiled, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan script: %v", ErrStoreUnavailable, err)
		}
		script.Status = ScriptStatus(status)
		script.CreatedAt = time.UnixMilli(createdAt)
		script.UpdatedAt = time.UnixMilli(updatedAt)
		if err := json.Unmarshal([]byte(ids), &script.EntityIDs); err != nil {
			script.EntityIDs = nil
		}
		out = append(out, script)
	}
	return out, rows.Err()
}

// DeleteScript implements Store.
func (s *SQLiteStore) DeleteScript(ctx auth.Context, id string) error {
	row := s.db.QueryRow(`SELECT sync_group FROM scripts WHERE id = ?`, id)
	var groupName string
	if err := row.Scan(&groupName); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: script %q", ErrNotFound, id)
		}
		return fmt.Errorf("%w: read script: %v", ErrStoreUnavailable, err)
	}
	group, err := s.registry.Get(groupName)
	if err != nil {
		return err
	}
	if !authorize(ctx, group, nil, OpDelete) {
		return fmt.Errorf("%w: delete script %q", ErrPermissionDenied, id)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = retryOnContention(func() error {
		_, execErr := s.db.Exec(`DELETE FROM scripts WHERE id = ?`, id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("%w: delete script: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (Entity, error) {
	var entity Entity
	var payload, viewRoles, mutateRoles string
	var createdAt, updatedAt int64
	err := row.Scan(&entity.ID, &entity.Name, &payload, &entity.SyncGroup,
		&viewRoles, &mutateRoles, &entity.CreatedBy, &createdAt, &updatedAt,
		&entity.ExpiryAfterInactiveMs, &entity.ExpiryAfterCreatedMs)
	if err != nil {
		return Entity{}, err
	}
	if payload != "" {
		entity.Payload = json.RawMessage(payload)
	}
	entity.CreatedAt = time.UnixMilli(createdAt)
	entity.UpdatedAt = time.UnixMilli(updatedAt)
	entity.ViewRoles = unmarshalRoles(viewRoles)
	entity.MutateRoles = unmarshalRoles(mutateRoles)
	return entity, nil
}

func marshalRoles(roles []string) string {
	if roles == nil {
		roles = []string{}
	}
	data, _ := json.Marshal(roles)
	return string(data)
}

func unmarshalRoles(raw string) []string {
	var roles []string
	if err := json.Unmarshal([]byte(raw), &roles); err != nil || len(roles) == 0 {
		return nil
	}
	return roles
}
