// Package auth binds transport connections to permissioned identities. Tokens
// are HS256 JWTs signed with a per-provider secret; a verified token is only
// accepted while its session id is still active in the gate's session table.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrMissingToken reports an upgrade attempt without a token parameter.
	ErrMissingToken = errors.New("missing token")
	// ErrMissingProvider reports an upgrade attempt without a provider parameter.
	ErrMissingProvider = errors.New("missing provider")
	// ErrMalformedToken reports a token that is not even JWT-shaped.
	ErrMalformedToken = errors.New("malformed token")
	// ErrUnknownProvider reports a provider with no configured secret.
	ErrUnknownProvider = errors.New("unknown auth provider")
	// ErrInvalidToken reports a token that failed cryptographic validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrSessionInvalid reports a verified token whose session is no longer active.
	ErrSessionInvalid = errors.New("invalid or expired session")
)

// Context is the permission-evaluation context for a single operation. It is
// re-derived from the stored token on every privileged call and never cached
// across ticks.
type Context struct {
	AgentID string
	Roles   []string
}

// HasAnyRole reports whether the context holds at least one of the given
// roles. An empty requirement list places no restriction.
func (c Context) HasAnyRole(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, need := range roles {
		for _, have := range c.Roles {
			if need == have {
				return true
			}
		}
	}
	return false
}

// Identity is the result of a successful authentication.
type Identity struct {
	AgentID   string
	SessionID string
	Provider  string
	Roles     []string
}

// Context returns the permission context carried by the identity.
func (id Identity) Context() Context {
	return Context{AgentID: id.AgentID, Roles: id.Roles}
}

// Claims is the JWT payload minted and verified by the gate.
type Claims struct {
	AgentID   string   `json:"agentId"`
	SessionID string   `json:"sessionId"`
	Provider  string   `json:"provider"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Provider holds the verification material for one token issuer.
type Provider struct {
	Secret   []byte
	TokenTTL time.Duration
}

// Gate validates bearer credentials and tracks which session ids are still
// live in the backing table.
type Gate struct {
	providers map[string]Provider

	mu       sync.RWMutex
	sessions map[string]sessionRecord
}

type sessionRecord struct {
	agentID   string
	provider  string
	issuedAt  time.Time
	expiresAt time.Time
}

// NewGate constructs a gate for the given providers.
func NewGate(providers map[string]Provider) *Gate {
	table := make(map[string]Provider, len(providers))
	for name, p := range providers {
		if p.TokenTTL <= 0 {
			p.TokenTTL = 24 * time.Hour
		}
		table[name] = p
	}
	return &Gate{
		providers: table,
		sessions:  make(map[string]sessionRecord),
	}
}

// Issue signs a token for the agent and records its session as active. The
// returned session id appears in the token claims.
func (g *Gate) Issue(agentID, provider string, roles []string, ttl time.Duration) (token, sessionID string, err error) {
	p, ok := g.providers[provider]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if ttl <= 0 {
		ttl = p.TokenTTL
	}
	sessionID = uuid.NewString()
	now := time.Now()
	claims := &Claims{
		AgentID:   agentID,
		SessionID: sessionID,
		Provider:  provider,
		Roles:     roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.Secret)
	if err != nil {
		return "", "", fmt.Errorf("sign token: %w", err)
	}

	g.mu.Lock()
	// Records whose token has expired can never authenticate again; drop them
	// here so the table does not grow without bound between logouts.
	for id, rec := range g.sessions {
		if now.After(rec.expiresAt) {
			delete(g.sessions, id)
		}
	}
	g.sessions[sessionID] = sessionRecord{agentID: agentID, provider: provider, issuedAt: now, expiresAt: now.Add(ttl)}
	g.mu.Unlock()
	return signed, sessionID, nil
}

// Authenticate validates a bearer token against the provider's secret and
// confirms the referenced session is still active. The shape check runs
// before any cryptographic work so garbage input fails fast.
func (g *Gate) Authenticate(token, provider string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	if provider == "" {
		return Identity{}, ErrMissingProvider
	}
	if !looksLikeJWT(token) {
		return Identity{}, ErrMalformedToken
	}
	p, ok := g.providers[provider]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.AgentID == "" || claims.SessionID == "" {
		return Identity{}, ErrInvalidToken
	}
	if !g.SessionActive(claims.SessionID) {
		return Identity{}, ErrSessionInvalid
	}
	return Identity{
		AgentID:   claims.AgentID,
		SessionID: claims.SessionID,
		Provider:  provider,
		Roles:     append([]string(nil), claims.Roles...),
	}, nil
}

// ContextFor re-derives a fresh permission context from a stored token.
func (g *Gate) ContextFor(token, provider string) (Context, error) {
	id, err := g.Authenticate(token, provider)
	if err != nil {
		return Context{}, err
	}
	return id.Context(), nil
}

// AuthorizeUpgrade gates one connection attempt. Credentials travel as query
// parameters on the handshake request; any failure leaves no session state
// behind.
func (g *Gate) AuthorizeUpgrade(r *http.Request) (Identity, error) {
	query := r.URL.Query()
	token := query.Get("token")
	provider := query.Get("provider")
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	if provider == "" {
		return Identity{}, ErrMissingProvider
	}
	return g.Authenticate(token, provider)
}

// SessionActive reports whether the session id is present in the backing table.
func (g *Gate) SessionActive(sessionID string) bool {
	g.mu.RLock()
	_, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	return ok
}

// InvalidateSession removes the session id from the backing table. Removing
// an unknown session is not an error, so logout stays idempotent.
func (g *Gate) InvalidateSession(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
}

// Invalidate revokes the session referenced by a token. Claims validation is
// skipped so an expired credential can still be logged out; the signature
// check still applies.
func (g *Gate) Invalidate(token, provider string) {
	if !looksLikeJWT(token) {
		return
	}
	p, ok := g.providers[provider]
	if !ok {
		return
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.Secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid || claims.SessionID == "" {
		return
	}
	g.InvalidateSession(claims.SessionID)
}

func looksLikeJWT(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
	}
	return true
}
