package ws

import (
	"errors"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	"worldsync/server/internal/auth"
	"worldsync/server/internal/broadcast"
	"worldsync/server/internal/config"
	"worldsync/server/internal/net/proto"
	"worldsync/server/internal/session"
	"worldsync/server/internal/telemetry"
	"worldsync/server/internal/world"
)

// HandlerConfig wires the handler's collaborators.
type HandlerConfig struct {
	Gate        *auth.Gate
	Sessions    *session.Registry
	Groups      *config.Registry
	Store       world.Store
	Broadcaster *broadcast.Broadcaster
	Logger      telemetry.Logger
}

// Handler upgrades authenticated connections and runs the per-connection
// message loop.
type Handler struct {
	gate        *auth.Gate
	sessions    *session.Registry
	groups      *config.Registry
	store       world.Store
	broadcaster *broadcast.Broadcaster
	logger      telemetry.Logger
	upgrader    websocket.Upgrader
}

// NewHandler constructs a websocket handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		gate:        cfg.Gate,
		sessions:    cfg.Sessions,
		groups:      cfg.Groups,
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
}

// Handle authenticates and upgrades one connection attempt. A failed gate
// check rejects with 401 and a short diagnostic before any session state
// exists.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	identity, err := h.gate.AuthorizeUpgrade(r)
	if err != nil {
		nethttp.Error(w, rejectReason(err), nethttp.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Printf("upgrade failed for agent %s: %v", identity.AgentID, err)
		}
		return
	}

	conn := NewConn(wsConn)
	sess := &session.Session{
		ID:       identity.SessionID,
		AgentID:  identity.AgentID,
		Token:    r.URL.Query().Get("token"),
		Provider: identity.Provider,
		Roles:    identity.Roles,
		Conn:     conn,
	}
	h.sessions.Register(sess)
	h.serve(sess, conn)
}

func (h *Handler) serve(sess *session.Session, conn *Conn) {
	if !h.send(sess, conn, proto.NewConnectionEstablished(sess.AgentID)) {
		return
	}

	// Initial keyframes: one per group the session can see, so the client
	// starts from complete state before deltas arrive.
	ctx := auth.Context{AgentID: sess.AgentID, Roles: sess.Roles}
	for _, group := range h.groups.All() {
		if !ctx.HasAnyRole(group.ViewRoles) {
			continue
		}
		if err := h.broadcaster.Keyframe(sess, group.Name); err != nil {
			if h.logger != nil {
				h.logger.Printf("initial keyframe for session %s group %q: %v", sess.ID, group.Name, err)
			}
		}
	}

	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			h.disconnect(sess, conn, "connection closed")
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			if h.logger != nil {
				h.logger.Printf("malformed message from session %s: %v", sess.ID, err)
			}
			if !h.send(sess, conn, proto.NewError("", "malformed message")) {
				return
			}
			continue
		}

		switch msg.Type {
		case proto.TypeHeartbeatRequest:
			if err := h.sessions.TouchHeartbeat(sess.ID); err != nil {
				h.disconnect(sess, conn, "session expired")
				return
			}
			ack := proto.HeartbeatResponse{
				Ver:        proto.Version,
				Type:       proto.TypeHeartbeatResponse,
				AgentID:    sess.AgentID,
				ServerTime: time.Now().UnixMilli(),
				ClientTime: msg.SentAt,
			}
			if !h.send(sess, conn, ack) {
				return
			}

		case proto.TypeQueryRequest:
			if msg.Query == nil {
				if !h.send(sess, conn, proto.NewError(msg.RequestID, "missing query payload")) {
					return
				}
				continue
			}
			// The permission context is re-derived from the stored token on
			// every request; a session is not a standing grant.
			ctx, err := h.gate.ContextFor(sess.Token, sess.Provider)
			if err != nil {
				h.send(sess, conn, proto.NewError(msg.RequestID, "session no longer valid"))
				h.disconnect(sess, conn, "session no longer valid")
				return
			}
			entities, err := h.runQuery(ctx, *msg.Query)
			if err != nil {
				if !h.send(sess, conn, proto.NewError(msg.RequestID, clientMessageFor(err))) {
					return
				}
				continue
			}
			resp := proto.QueryResponse{
				Ver:       proto.Version,
				Type:      proto.TypeQueryResponse,
				RequestID: msg.RequestID,
				Entities:  entities,
			}
			if !h.send(sess, conn, resp) {
				return
			}

		case proto.TypeKeyframeRequest:
			if msg.SyncGroup == "" {
				if !h.send(sess, conn, proto.NewError(msg.RequestID, "missing syncGroup")) {
					return
				}
				continue
			}
			if err := h.broadcaster.Keyframe(sess, msg.SyncGroup); err != nil {
				if !h.send(sess, conn, proto.NewError(msg.RequestID, clientMessageFor(err))) {
					return
				}
			}

		case proto.TypeSessionInvalidation:
			h.gate.InvalidateSession(sess.ID)
			h.disconnect(sess, conn, "logged out")
			return

		default:
			if h.logger != nil {
				h.logger.Printf("unknown message type %q from session %s", msg.Type, sess.ID)
			}
			if !h.send(sess, conn, proto.NewError(msg.RequestID, "unknown message type")) {
				return
			}
		}
	}
}

func (h *Handler) runQuery(ctx auth.Context, query proto.QueryPayload) ([]world.Entity, error) {
	switch query.Action {
	case proto.ActionCreate:
		entity := world.Entity{
			ID:          query.EntityID,
			SyncGroup:   query.SyncGroup,
			Payload:     query.Payload,
			ViewRoles:   query.ViewRoles,
			MutateRoles: query.MutateRoles,
		}
		if query.Name != nil {
			entity.Name = *query.Name
		}
		if query.ExpiryAfterInactiveMs != nil {
			entity.ExpiryAfterInactiveMs = *query.ExpiryAfterInactiveMs
		}
		if query.ExpiryAfterCreatedMs != nil {
			entity.ExpiryAfterCreatedMs = *query.ExpiryAfterCreatedMs
		}
		created, err := h.store.Create(ctx, entity)
		if err != nil {
			return nil, err
		}
		return []world.Entity{created}, nil

	case proto.ActionRead:
		entity, err := h.store.Get(ctx, query.EntityID)
		if err != nil {
			return nil, err
		}
		return []world.Entity{entity}, nil

	case proto.ActionUpdate:
		mut := world.Mutation{
			Name:                  query.Name,
			Payload:               query.Payload,
			ViewRoles:             query.ViewRoles,
			MutateRoles:           query.MutateRoles,
			ExpiryAfterInactiveMs: query.ExpiryAfterInactiveMs,
			ExpiryAfterCreatedMs:  query.ExpiryAfterCreatedMs,
		}
		if query.SyncGroup != "" {
			group := query.SyncGroup
			mut.SyncGroup = &group
		}
		updated, err := h.store.Update(ctx, query.EntityID, mut)
		if err != nil {
			return nil, err
		}
		return []world.Entity{updated}, nil

	case proto.ActionDelete:
		if err := h.store.Delete(ctx, query.EntityID); err != nil {
			return nil, err
		}
		return []world.Entity{}, nil

	case proto.ActionList:
		group, err := h.groups.Get(query.SyncGroup)
		if err != nil {
			return nil, err
		}
		entities, err := h.store.ListBySyncGroup(query.SyncGroup)
		if err != nil {
			return nil, err
		}
		visible := make([]world.Entity, 0, len(entities))
		for _, entity := range entities {
			if world.Visible(ctx, group, entity) {
				visible = append(visible, entity)
			}
		}
		return visible, nil

	default:
		return nil, errUnknownAction
	}
}

var errUnknownAction = errors.New("unknown query action")

// send marshals and writes one message; a write failure ends the session.
func (h *Handler) send(sess *session.Session, conn *Conn, msg any) bool {
	data, err := proto.Encode(msg)
	if err != nil {
		if h.logger != nil {
			h.logger.Printf("failed to encode response for session %s: %v", sess.ID, err)
		}
		return true
	}
	if err := conn.Send(data); err != nil {
		h.disconnect(sess, conn, "write failed")
		return false
	}
	return true
}

func (h *Handler) disconnect(sess *session.Session, conn *Conn, reason string) {
	if h.sessions.Unregister(sess.ID) && h.logger != nil {
		h.logger.Printf("session %s (agent %s) disconnected: %s", sess.ID, sess.AgentID, reason)
	}
	conn.Close(reason)
}

// rejectReason maps gate errors to the short diagnostics surfaced on a 401.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing token"
	case errors.Is(err, auth.ErrMissingProvider):
		return "missing provider"
	case errors.Is(err, auth.ErrSessionInvalid):
		return "invalid or expired session"
	default:
		return "invalid token"
	}
}

// clientMessageFor strips internals from errors surfaced to clients.
func clientMessageFor(err error) string {
	switch {
	case errors.Is(err, world.ErrPermissionDenied):
		return "permission denied"
	case errors.Is(err, world.ErrNotFound):
		return "not found"
	case errors.Is(err, config.ErrGroupNotFound):
		return "unknown sync group"
	case errors.Is(err, errUnknownAction):
		return "unknown query action"
	default:
		return "internal error"
	}
}
