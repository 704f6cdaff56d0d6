// Package net exposes the server's HTTP surface: the websocket sync endpoint,
// the session side-channel, and the loopback-only stats endpoint.
package net

import (
	"encoding/json"
	stdnet "net"
	nethttp "net/http"
	"net/http/pprof"
	"strings"
	"time"

	"worldsync/server/internal/auth"
	"worldsync/server/internal/config"
	"worldsync/server/internal/net/ws"
	"worldsync/server/internal/observability"
	"worldsync/server/internal/telemetry"
	"worldsync/server/internal/tick"
)

// TickStatusProvider reports per-group scheduler state. Satisfied by
// tick.Scheduler.
type TickStatusProvider interface {
	Status() []tick.GroupStatus
}

// HTTPHandlerConfig wires the REST surface's collaborators.
type HTTPHandlerConfig struct {
	Gate          *auth.Gate
	WS            *ws.Handler
	Scheduler     TickStatusProvider
	Sweep         config.SweepConfig
	Counters      *telemetry.Counters
	Logger        telemetry.Logger
	StartTime     time.Time
	Observability observability.Config
}

// NewHTTPHandler assembles the route table.
func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	start := cfg.StartTime
	if start.IsZero() {
		start = time.Now()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/ws", cfg.WS.Handle)

	mux.HandleFunc("/api/session/validate", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost && r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		token, provider := credentials(r)
		identity, err := cfg.Gate.Authenticate(token, provider)
		if err != nil {
			writeJSON(w, nethttp.StatusOK, validateResponse{Valid: false})
			return
		}
		writeJSON(w, nethttp.StatusOK, validateResponse{
			Valid:     true,
			AgentID:   identity.AgentID,
			SessionID: identity.SessionID,
		})
	})

	mux.HandleFunc("/api/session/logout", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		token, provider := credentials(r)
		// Logging out an already-invalid token still reports success.
		cfg.Gate.Invalidate(token, provider)
		writeJSON(w, nethttp.StatusOK, map[string]bool{"success": true})
	})

	mux.HandleFunc("/stats", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if !isLoopback(r.RemoteAddr) {
			httpError(w, "forbidden", nethttp.StatusForbidden)
			return
		}
		payload := statsResponse{
			Status:        "ok",
			ServerTime:    time.Now().UnixMilli(),
			UptimeSeconds: int64(time.Since(start).Seconds()),
			Groups:        cfg.Scheduler.Status(),
			Sweep: sweepStats{
				Enabled:    cfg.Sweep.Enabled,
				IntervalMs: cfg.Sweep.IntervalMs,
			},
			Counters: cfg.Counters.Snapshot(),
		}
		writeJSON(w, nethttp.StatusOK, payload)
	})

	if cfg.Observability.EnablePprofTrace {
		mux.HandleFunc("/debug/pprof/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			if !isLoopback(r.RemoteAddr) {
				httpError(w, "forbidden", nethttp.StatusForbidden)
				return
			}
			pprof.Index(w, r)
		})
		mux.HandleFunc("/debug/pprof/trace", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			if !isLoopback(r.RemoteAddr) {
				httpError(w, "forbidden", nethttp.StatusForbidden)
				return
			}
			pprof.Trace(w, r)
		})
	}

	return mux
}

type validateResponse struct {
	Valid     bool   `json:"valid"`
	AgentID   string `json:"agentId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type sweepStats struct {
	Enabled    bool  `json:"enabled"`
	IntervalMs int64 `json:"intervalMs"`
}

type statsResponse struct {
	Status        string             `json:"status"`
	ServerTime    int64              `json:"serverTime"`
	UptimeSeconds int64              `json:"uptimeSeconds"`
	Groups        []tick.GroupStatus `json:"groups"`
	Sweep         sweepStats         `json:"sweep"`
	Counters      map[string]uint64  `json:"counters,omitempty"`
}

// credentials pulls the bearer token and provider from the request. The token
// travels in the Authorization header (falling back to the query string), the
// provider in the query string.
func credentials(r *nethttp.Request) (token, provider string) {
	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	provider = r.URL.Query().Get("provider")
	return token, provider
}

func isLoopback(remoteAddr string) bool {
	host, _, err := stdnet.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := stdnet.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(w nethttp.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, message string, status int) {
	nethttp.Error(w, message, status)
}
