package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"worldsync/server/internal/telemetry"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  system:
    secret: super-secret
sync_groups:
  - name: fast
    tick_rate_ms: 50
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.SessionTimeoutMs != DefaultSessionTimeoutMs {
		t.Fatalf("expected default session timeout, got %d", cfg.SessionTimeoutMs)
	}
	if cfg.LivenessIntervalMs != DefaultLivenessMs {
		t.Fatalf("expected default liveness interval, got %d", cfg.LivenessIntervalMs)
	}
	if cfg.Sweep.IntervalMs != DefaultSweepIntervalMs {
		t.Fatalf("expected default sweep interval, got %d", cfg.Sweep.IntervalMs)
	}
	if cfg.Providers["system"].TokenTTLMs != DefaultTokenTTLMs {
		t.Fatalf("expected default token ttl, got %d", cfg.Providers["system"].TokenTTLMs)
	}
	if cfg.SyncGroups[0].BufferDurationMs != DefaultBufferMs {
		t.Fatalf("expected default buffer duration, got %d", cfg.SyncGroups[0].BufferDurationMs)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9000"
database_path: /tmp/world.db
log_level: debug
session_timeout_ms: 12000
liveness_interval_ms: 500
providers:
  system:
    secret: super-secret
    token_ttl_ms: 60000
sweep:
  enabled: true
  interval_ms: 30000
sync_groups:
  - name: fast
    tick_rate_ms: 16
    enabled: true
    buffer_duration_ms: 5000
    insert_roles: [editor]
    view_roles: [viewer, editor]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9000" || cfg.DatabasePath != "/tmp/world.db" || cfg.LogLevel != "debug" {
		t.Fatalf("top-level fields lost: %+v", cfg)
	}
	group := cfg.SyncGroups[0]
	if group.TickRateMs != 16 || group.BufferDurationMs != 5000 {
		t.Fatalf("group timing lost: %+v", group)
	}
	if len(group.InsertRoles) != 1 || len(group.ViewRoles) != 2 {
		t.Fatalf("group roles lost: %+v", group)
	}
	if !cfg.Sweep.Enabled || cfg.Sweep.IntervalMs != 30000 {
		t.Fatalf("sweep config lost: %+v", cfg.Sweep)
	}
}

func TestLoadRejections(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		wantErr  string
	}{
		{
			name:     "no providers",
			contents: "sync_groups:\n  - name: g\n    tick_rate_ms: 50\n",
			wantErr:  "no auth providers",
		},
		{
			name:     "empty secret",
			contents: "providers:\n  system:\n    secret: \"\"\nsync_groups:\n  - name: g\n    tick_rate_ms: 50\n",
			wantErr:  "empty secret",
		},
		{
			name:     "no groups",
			contents: "providers:\n  system:\n    secret: s\n",
			wantErr:  "no sync groups",
		},
		{
			name:     "zero tick rate",
			contents: "providers:\n  system:\n    secret: s\nsync_groups:\n  - name: g\n    tick_rate_ms: 0\n",
			wantErr:  "tick_rate_ms",
		},
		{
			name:     "duplicate group",
			contents: "providers:\n  system:\n    secret: s\nsync_groups:\n  - name: g\n    tick_rate_ms: 50\n  - name: g\n    tick_rate_ms: 50\n",
			wantErr:  "duplicate sync group",
		},
		{
			name:     "not yaml",
			contents: "{{nope",
			wantErr:  "parse config",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.contents)
			if _, err := Load(path); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected read error for missing file")
	}
}

func TestRegistryLookupAndReplace(t *testing.T) {
	registry := NewRegistry([]GroupConfig{
		{Name: "a", TickRateMs: 50, Enabled: true},
	}, telemetry.LoggerFunc(t.Logf))

	group, err := registry.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if group.TickRateMs != 50 {
		t.Fatalf("unexpected group %+v", group)
	}
	if _, err := registry.Get("missing"); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected group not found, got %v", err)
	}

	registry.Replace([]GroupConfig{
		{Name: "b", TickRateMs: 100, Enabled: true},
	})
	if _, err := registry.Get("a"); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("replaced table should not hold old groups, got %v", err)
	}
	if _, err := registry.Get("b"); err != nil {
		t.Fatalf("new group missing after replace: %v", err)
	}
	if got := len(registry.All()); got != 1 {
		t.Fatalf("expected 1 group, got %d", got)
	}
}

func TestRegistrySkipsInvalidEntries(t *testing.T) {
	registry := NewRegistry([]GroupConfig{
		{Name: "good", TickRateMs: 50, Enabled: true},
		{Name: "", TickRateMs: 50},              // empty name
		{Name: "bad-rate", TickRateMs: 0},       // invalid rate
		{Name: "good", TickRateMs: 75},          // duplicate
	}, telemetry.LoggerFunc(t.Logf))

	all := registry.All()
	if len(all) != 1 {
		t.Fatalf("expected only the valid group, got %+v", all)
	}
	group, err := registry.Get("good")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if group.TickRateMs != 50 {
		t.Fatalf("duplicate should not override the first entry: %+v", group)
	}
}
