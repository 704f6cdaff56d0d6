package net

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"worldsync/server/internal/auth"
	"worldsync/server/internal/broadcast"
	"worldsync/server/internal/config"
	"worldsync/server/internal/net/ws"
	"worldsync/server/internal/session"
	"worldsync/server/internal/telemetry"
	"worldsync/server/internal/tick"
	"worldsync/server/internal/world"
)

type staticStatus []tick.GroupStatus

func (s staticStatus) Status() []tick.GroupStatus { return s }

func newTestHandler(t *testing.T) (nethttp.Handler, *auth.Gate) {
	t.Helper()
	gate := auth.NewGate(map[string]auth.Provider{
		"system": {Secret: []byte("test-secret")},
	})
	registry := config.NewRegistry([]config.GroupConfig{
		{Name: "fast", TickRateMs: 50, Enabled: true},
	}, telemetry.LoggerFunc(t.Logf))
	store := world.NewMemoryStore(registry)
	sessions := session.NewRegistry()
	broadcaster := broadcast.New(sessions, registry, store, telemetry.LoggerFunc(t.Logf), nil)
	wsHandler := ws.NewHandler(ws.HandlerConfig{
		Gate:        gate,
		Sessions:    sessions,
		Groups:      registry,
		Store:       store,
		Broadcaster: broadcaster,
		Logger:      telemetry.LoggerFunc(t.Logf),
	})
	handler := NewHTTPHandler(HTTPHandlerConfig{
		Gate:      gate,
		WS:        wsHandler,
		Scheduler: staticStatus{{Group: "fast"}},
		Sweep:     config.SweepConfig{Enabled: true, IntervalMs: 60000},
		Counters:  telemetry.NewCounters(),
		Logger:    telemetry.LoggerFunc(t.Logf),
		StartTime: time.Now(),
	})
	return handler, gate
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestValidateEndpoint(t *testing.T) {
	handler, gate := newTestHandler(t)
	token, sessionID, err := gate.Issue("agent-1", "system", nil, 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/session/validate?provider=system", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Valid     bool   `json:"valid"`
		AgentID   string `json:"agentId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Valid || resp.AgentID != "agent-1" || resp.SessionID != sessionID {
		t.Fatalf("unexpected validate response %+v", resp)
	}

	// An invalid token is a negative answer, not an HTTP failure.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/session/validate?token=garbage&provider=system", nil))
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("expected 200 for invalid token, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Valid {
		t.Fatalf("garbage token validated: %+v", resp)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/session/validate", nil))
	if rec.Code != nethttp.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestLogoutEndpointIsIdempotent(t *testing.T) {
	handler, gate := newTestHandler(t)
	token, sessionID, err := gate.Issue("agent-1", "system", nil, 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	logout := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/session/logout?provider=system", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := logout()
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gate.SessionActive(sessionID) {
		t.Fatalf("session should be gone after logout")
	}

	// Second logout of the same token still succeeds.
	rec = logout()
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("repeated logout should stay 200, got %d", rec.Code)
	}
	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp["success"] {
		t.Fatalf("expected success response, got %v", resp)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/session/logout", nil))
	if rec.Code != nethttp.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET logout, got %d", rec.Code)
	}
}

func TestStatsLoopbackOnly(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stats", nil)
	req.RemoteAddr = "127.0.0.1:51234"
	handler.ServeHTTP(rec, req)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("loopback stats should be 200, got %d", rec.Code)
	}
	var stats struct {
		Status string             `json:"status"`
		Groups []tick.GroupStatus `json:"groups"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Status != "ok" || len(stats.Groups) != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/stats", nil)
	req.RemoteAddr = "10.1.2.3:51234"
	handler.ServeHTTP(rec, req)
	if rec.Code != nethttp.StatusForbidden {
		t.Fatalf("remote stats should be 403, got %d", rec.Code)
	}
}

func TestPprofDisabledByDefault(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/debug/pprof/", nil)
	req.RemoteAddr = "127.0.0.1:51234"
	handler.ServeHTTP(rec, req)
	if rec.Code != nethttp.StatusNotFound {
		t.Fatalf("pprof should be absent without the flag, got %d", rec.Code)
	}
}
