package broadcast

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"worldsync/server/internal/auth"
	"worldsync/server/internal/config"
	"worldsync/server/internal/diff"
	"worldsync/server/internal/net/proto"
	"worldsync/server/internal/session"
	"worldsync/server/internal/telemetry"
	"worldsync/server/internal/tick"
	"worldsync/server/internal/world"
)

type captureConn struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

func (c *captureConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *captureConn) Close(string) error { return nil }

func (c *captureConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

type fixture struct {
	broadcaster *Broadcaster
	sessions    *session.Registry
	store       *world.MemoryStore
	counters    *telemetry.Counters
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := config.NewRegistry([]config.GroupConfig{
		{Name: "public", TickRateMs: 50, Enabled: true},
		{Name: "staff", TickRateMs: 50, Enabled: true, ViewRoles: []string{"staff"}},
	}, telemetry.LoggerFunc(t.Logf))
	store := world.NewMemoryStore(registry)
	sessions := session.NewRegistry()
	counters := telemetry.NewCounters()
	return &fixture{
		broadcaster: New(sessions, registry, store, telemetry.LoggerFunc(t.Logf), counters),
		sessions:    sessions,
		store:       store,
		counters:    counters,
	}
}

func TestRecipientsFilteredByRoles(t *testing.T) {
	f := newFixture(t)
	f.sessions.Register(&session.Session{ID: "s-staff", AgentID: "alice", Roles: []string{"staff"}, Conn: &captureConn{}})
	f.sessions.Register(&session.Session{ID: "s-guest", AgentID: "bob", Conn: &captureConn{}})

	got := f.broadcaster.Recipients(world.Entity{ID: "e1", SyncGroup: "staff"})
	if len(got) != 1 || got[0] != "s-staff" {
		t.Fatalf("staff entity should reach only the staff session, got %v", got)
	}

	got = f.broadcaster.Recipients(world.Entity{ID: "e2", SyncGroup: "public"})
	sort.Strings(got)
	if len(got) != 2 {
		t.Fatalf("public entity should reach everyone, got %v", got)
	}

	got = f.broadcaster.Recipients(world.Entity{ID: "e3", SyncGroup: "public", ViewRoles: []string{"staff"}})
	if len(got) != 1 || got[0] != "s-staff" {
		t.Fatalf("entity view roles should narrow the public group, got %v", got)
	}

	if got := f.broadcaster.Recipients(world.Entity{ID: "e4", SyncGroup: "unknown"}); got != nil {
		t.Fatalf("unknown group should resolve to nobody, got %v", got)
	}
}

func TestDeliverRoutesChangesPerSession(t *testing.T) {
	f := newFixture(t)
	staffConn := &captureConn{}
	guestConn := &captureConn{}
	f.sessions.Register(&session.Session{ID: "s-staff", AgentID: "alice", Roles: []string{"staff"}, Conn: staffConn})
	f.sessions.Register(&session.Session{ID: "s-guest", AgentID: "bob", Conn: guestConn})

	tk := tick.Tick{Group: "public", Number: 7}
	f.broadcaster.Deliver(tk, []diff.Change{
		{EntityID: "shared", Operation: diff.OpInsert, AffectedSessionIDs: []string{"s-staff", "s-guest"}},
		{EntityID: "secret", Operation: diff.OpInsert, AffectedSessionIDs: []string{"s-staff"}},
	})

	staffMsgs := staffConn.messages()
	if len(staffMsgs) != 1 {
		t.Fatalf("staff session should get one update message, got %d", len(staffMsgs))
	}
	var staffUpdate proto.EntityUpdate
	if err := json.Unmarshal(staffMsgs[0], &staffUpdate); err != nil {
		t.Fatalf("decode staff update: %v", err)
	}
	if staffUpdate.Tick.Number != 7 || len(staffUpdate.Changes) != 2 {
		t.Fatalf("staff update wrong: %+v", staffUpdate)
	}

	guestMsgs := guestConn.messages()
	if len(guestMsgs) != 1 {
		t.Fatalf("guest session should get one update message, got %d", len(guestMsgs))
	}
	var guestUpdate proto.EntityUpdate
	if err := json.Unmarshal(guestMsgs[0], &guestUpdate); err != nil {
		t.Fatalf("decode guest update: %v", err)
	}
	if len(guestUpdate.Changes) != 1 || guestUpdate.Changes[0].EntityID != "shared" {
		t.Fatalf("guest must only see the shared change: %+v", guestUpdate.Changes)
	}
}

func TestDeliverEmptyBatchSendsNothing(t *testing.T) {
	f := newFixture(t)
	conn := &captureConn{}
	f.sessions.Register(&session.Session{ID: "s1", AgentID: "a", Conn: conn})

	f.broadcaster.Deliver(tick.Tick{Group: "public", Number: 1}, nil)
	f.broadcaster.Deliver(tick.Tick{Group: "public", Number: 2}, []diff.Change{
		{EntityID: "orphan", Operation: diff.OpInsert}, // no affected sessions
	})

	if msgs := conn.messages(); len(msgs) != 0 {
		t.Fatalf("no traffic expected for empty or unaddressed batches, got %d messages", len(msgs))
	}
	if f.counters.Snapshot()["updates_sent"] != 0 {
		t.Fatalf("update counter should stay zero")
	}
}

func TestDeliverIsolatesFailingSession(t *testing.T) {
	f := newFixture(t)
	broken := &captureConn{sendErr: errors.New("connection reset")}
	healthy := &captureConn{}
	f.sessions.Register(&session.Session{ID: "s-broken", AgentID: "a", Conn: broken})
	f.sessions.Register(&session.Session{ID: "s-healthy", AgentID: "b", Conn: healthy})

	f.broadcaster.Deliver(tick.Tick{Group: "public", Number: 3}, []diff.Change{
		{EntityID: "e1", Operation: diff.OpInsert, AffectedSessionIDs: []string{"s-broken", "s-healthy"}},
	})

	if msgs := healthy.messages(); len(msgs) != 1 {
		t.Fatalf("healthy session should still receive the update, got %d", len(msgs))
	}
	snapshot := f.counters.Snapshot()
	if snapshot["delivery_failures"] != 1 {
		t.Fatalf("expected one delivery failure, got %v", snapshot)
	}
	if snapshot["updates_sent"] != 1 {
		t.Fatalf("expected one update sent, got %v", snapshot)
	}
}

func TestDeliverSkipsDepartedSession(t *testing.T) {
	f := newFixture(t)
	f.broadcaster.Deliver(tick.Tick{Group: "public", Number: 4}, []diff.Change{
		{EntityID: "e1", Operation: diff.OpInsert, AffectedSessionIDs: []string{"ghost"}},
	})
	// Nothing to assert beyond not panicking; the session resolved between
	// diff and delivery.
}

func TestKeyframeFiltersEntities(t *testing.T) {
	f := newFixture(t)
	creator := auth.Context{AgentID: "creator", Roles: []string{"staff"}}
	if _, err := f.store.Create(creator, world.Entity{ID: "open", Name: "open", SyncGroup: "public"}); err != nil {
		t.Fatalf("create open: %v", err)
	}
	if _, err := f.store.Create(creator, world.Entity{ID: "hidden", Name: "hidden", SyncGroup: "public", ViewRoles: []string{"staff"}}); err != nil {
		t.Fatalf("create hidden: %v", err)
	}

	conn := &captureConn{}
	guest := &session.Session{ID: "s-guest", AgentID: "bob", Conn: conn}
	f.sessions.Register(guest)

	if err := f.broadcaster.Keyframe(guest, "public"); err != nil {
		t.Fatalf("keyframe: %v", err)
	}
	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one keyframe message, got %d", len(msgs))
	}
	var frame proto.KeyframeResponse
	if err := json.Unmarshal(msgs[0], &frame); err != nil {
		t.Fatalf("decode keyframe: %v", err)
	}
	if frame.Type != proto.TypeKeyframeResponse || frame.SyncGroup != "public" {
		t.Fatalf("wrong envelope: %+v", frame)
	}
	if len(frame.Entities) != 1 || frame.Entities[0].ID != "open" {
		t.Fatalf("keyframe must exclude entities the session cannot view: %+v", frame.Entities)
	}
	if frame.ServerTime == 0 {
		t.Fatalf("keyframe missing server time")
	}

	if err := f.broadcaster.Keyframe(guest, "unknown"); !errors.Is(err, config.ErrGroupNotFound) {
		t.Fatalf("expected group not found, got %v", err)
	}
}
