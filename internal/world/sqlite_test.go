package world

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"worldsync/server/internal/auth"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "world.db")
	store, err := OpenSQLite(path, testRegistry(t))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteEntityRoundTrip(t *testing.T) {
	store := openTestSQLite(t)
	ctx := auth.Context{AgentID: "alice"}

	created, err := store.Create(ctx, Entity{
		Name:                  "persisted",
		SyncGroup:             "open",
		Payload:               json.RawMessage(`{"hp":5}`),
		ViewRoles:             []string{"viewer"},
		ExpiryAfterInactiveMs: 60000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(auth.Context{AgentID: "bob", Roles: []string{"viewer"}}, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "persisted" || got.SyncGroup != "open" {
		t.Fatalf("fields lost: %+v", got)
	}
	if string(got.Payload) != `{"hp":5}` {
		t.Fatalf("payload lost: %s", got.Payload)
	}
	if len(got.ViewRoles) != 1 || got.ViewRoles[0] != "viewer" {
		t.Fatalf("roles lost: %+v", got.ViewRoles)
	}
	if got.ExpiryAfterInactiveMs != 60000 {
		t.Fatalf("expiry lost: %+v", got)
	}
	if got.CreatedBy != "alice" {
		t.Fatalf("creator lost: %+v", got)
	}
}

func TestSQLitePermissionChecks(t *testing.T) {
	store := openTestSQLite(t)
	nobody := auth.Context{AgentID: "n"}

	if _, err := store.Create(nobody, Entity{Name: "x", SyncGroup: "locked"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("unprivileged insert should be denied, got %v", err)
	}

	editor := auth.Context{AgentID: "ed", Roles: []string{"editor"}}
	created, err := store.Create(editor, Entity{Name: "x", SyncGroup: "locked"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Get(nobody, created.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("role-less view should be denied, got %v", err)
	}
}

func TestSQLiteUpdateAndDelete(t *testing.T) {
	store := openTestSQLite(t)
	ctx := auth.Context{AgentID: "alice"}

	created, err := store.Create(ctx, Entity{Name: "before", SyncGroup: "open"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	name := "after"
	updated, err := store.Update(ctx, created.ID, Mutation{
		Name:    &name,
		Payload: json.RawMessage(`{"v":2}`),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "after" {
		t.Fatalf("update not applied: %+v", updated)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "after" || string(got.Payload) != `{"v":2}` {
		t.Fatalf("update not persisted: %+v", got)
	}

	if err := store.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.Delete(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete should report not found, got %v", err)
	}
}

func TestSQLiteListAndSweep(t *testing.T) {
	store := openTestSQLite(t)
	ctx := auth.Context{AgentID: "a"}

	if _, err := store.Create(ctx, Entity{ID: "stale", Name: "s", SyncGroup: "open", ExpiryAfterCreatedMs: 10}); err != nil {
		t.Fatalf("create stale: %v", err)
	}
	if _, err := store.Create(ctx, Entity{ID: "alive", Name: "a", SyncGroup: "open"}); err != nil {
		t.Fatalf("create alive: %v", err)
	}

	entities, err := store.ListBySyncGroup("open")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}

	removed, err := store.SweepExpired(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("expected the stale entity swept, got %v", removed)
	}
	entities, _ = store.ListBySyncGroup("open")
	if len(entities) != 1 || entities[0].ID != "alive" {
		t.Fatalf("unexpected survivors %+v", entities)
	}
}

func TestSQLiteSweepSparesRefreshedEntity(t *testing.T) {
	store := openTestSQLite(t)
	ctx := auth.Context{AgentID: "a"}

	created, err := store.Create(ctx, Entity{ID: "busy", Name: "b", SyncGroup: "open", ExpiryAfterInactiveMs: 1000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Age the entity past its inactivity window so a sweep would pick it up.
	if _, err := store.db.Exec(`UPDATE entities SET updated_at = updated_at - 5000 WHERE id = ?`, created.ID); err != nil {
		t.Fatalf("age entity: %v", err)
	}
	nowMs := time.Now().UnixMilli()

	// A write lands between the sweep's candidate query and its delete.
	name := "refreshed"
	if _, err := store.Update(ctx, created.ID, Mutation{Name: &name}); err != nil {
		t.Fatalf("update: %v", err)
	}

	deleted, err := store.deleteIfExpired(created.ID, nowMs)
	if err != nil {
		t.Fatalf("delete if expired: %v", err)
	}
	if deleted {
		t.Fatalf("refreshed entity should survive the sweep")
	}
	if _, err := store.Get(ctx, created.ID); err != nil {
		t.Fatalf("refreshed entity gone: %v", err)
	}

	// Once the entity goes idle again the predicate holds and the delete lands.
	if _, err := store.db.Exec(`UPDATE entities SET updated_at = updated_at - 5000 WHERE id = ?`, created.ID); err != nil {
		t.Fatalf("age entity: %v", err)
	}
	deleted, err = store.deleteIfExpired(created.ID, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("delete if expired: %v", err)
	}
	if !deleted {
		t.Fatalf("idle entity should have been removed")
	}
}

func TestSQLiteScripts(t *testing.T) {
	store := openTestSQLite(t)
	ctx := auth.Context{AgentID: "a"}

	script, err := store.PutScript(ctx, ScriptResource{
		SyncGroup: "open",
		EntityIDs: []string{"e1", "e2"},
		Platform:  "web",
		Status:    ScriptPending,
		Compiled:  []byte{0x01, 0x02},
	})
	if err != nil {
		t.Fatalf("put script: %v", err)
	}

	byGroup, err := store.ScriptsByGroup("open")
	if err != nil {
		t.Fatalf("scripts by group: %v", err)
	}
	if len(byGroup) != 1 || byGroup[0].Status != ScriptPending {
		t.Fatalf("unexpected group scripts %+v", byGroup)
	}
	if len(byGroup[0].EntityIDs) != 2 {
		t.Fatalf("entity ids lost: %+v", byGroup[0])
	}

	forEntity, err := store.ScriptsForEntity("e1")
	if err != nil {
		t.Fatalf("scripts for entity: %v", err)
	}
	if len(forEntity) != 1 || forEntity[0].ID != script.ID {
		t.Fatalf("unexpected entity scripts %+v", forEntity)
	}
	if scripts, _ := store.ScriptsForEntity("e9"); len(scripts) != 0 {
		t.Fatalf("unattached entity matched scripts %+v", scripts)
	}

	// Upsert replaces in place.
	script.Status = ScriptCompiled
	if _, err := store.PutScript(ctx, script); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	byGroup, _ = store.ScriptsByGroup("open")
	if len(byGroup) != 1 || byGroup[0].Status != ScriptCompiled {
		t.Fatalf("upsert did not replace: %+v", byGroup)
	}

	if err := store.DeleteScript(ctx, script.ID); err != nil {
		t.Fatalf("delete script: %v", err)
	}
	if err := store.DeleteScript(ctx, script.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
