package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ezkeys/ezkeys/internal/audit"
	"github.com/ezkeys/ezkeys/internal/identity"
	"github.com/ezkeys/ezkeys/internal/service"
)

// SessionIssuer mints and revokes session artifacts.
type SessionIssuer interface {
	CreateSessionCookie(ctx context.Context, idToken string, ttl time.Duration) (string, *identity.Claims, error)
	RevokeSessions(ctx context.Context, subject string) error
}

// SessionConfig controls the session cookie.
type SessionConfig struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// SessionHandler exchanges identity tokens for session cookies and ends
// sessions.
type SessionHandler struct {
	issuer   SessionIssuer
	resolver service.Resolver
	audit    audit.Sink
	cfg      SessionConfig
	logger   *zap.Logger
}

// NewSessionHandler returns a SessionHandler. The default TTL is five days.
func NewSessionHandler(issuer SessionIssuer, resolver service.Resolver, sink audit.Sink, cfg SessionConfig, logger *zap.Logger) *SessionHandler {
	if cfg.CookieName == "" {
		cfg.CookieName = identity.DefaultSessionCookie
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * 24 * time.Hour
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{issuer: issuer, resolver: resolver, audit: sink, cfg: cfg, logger: logger}
}

type sessionStartRequest struct {
	IDToken string `json:"idToken"`
}

type sessionAck struct {
	OK  bool   `json:"ok"`
	UID string `json:"uid,omitempty"`
}

type sessionStatus struct {
	LoggedIn bool   `json:"loggedIn"`
	UID      string `json:"uid,omitempty"`
}

// Start handles POST /session/start.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(service.CodeInvalidArgument), err.Error())
		return
	}
	idToken := strings.TrimSpace(req.IDToken)
	if idToken == "" {
		writeError(w, http.StatusBadRequest, string(service.CodeInvalidArgument), "missing idToken")
		return
	}

	cookie, claims, err := h.issuer.CreateSessionCookie(r.Context(), idToken, h.cfg.TTL)
	switch {
	case errors.Is(err, identity.ErrInvalidToken), errors.Is(err, identity.ErrRevoked):
		writeError(w, http.StatusUnauthorized, string(service.CodeUnauthenticated), "invalid or expired sign-in token")
		return
	case err != nil:
		h.logger.Error("create session cookie", zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(service.CodeInternal), "session creation failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    cookie,
		Path:     "/",
		MaxAge:   int(h.cfg.TTL / time.Second),
		HttpOnly: true,
		Secure:   h.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	h.audit.Record(r.Context(), audit.Event{
		Type:      audit.SessionStarted,
		OwnerID:   claims.Subject,
		RequestID: audit.RequestID(r.Context()),
		Time:      time.Now().UTC(),
	})
	writeJSON(w, http.StatusOK, sessionAck{OK: true, UID: claims.Subject})
}

// End handles POST /session/end. The cookie is always cleared; when the
// caller can be identified their outstanding sessions are revoked as well.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	uid, err := h.resolver.Resolve(r.Context(), identity.CredentialsFromRequest(r, h.cfg.CookieName))
	if err == nil {
		if err := h.issuer.RevokeSessions(r.Context(), uid); err != nil {
			h.logger.Warn("revoke sessions", zap.String("uid", uid), zap.Error(err))
		} else {
			h.audit.Record(r.Context(), audit.Event{
				Type:      audit.SessionEnded,
				OwnerID:   uid,
				RequestID: audit.RequestID(r.Context()),
				Time:      time.Now().UTC(),
			})
		}
	}
	writeJSON(w, http.StatusOK, sessionAck{OK: true})
}

// Status handles GET /session/status.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	uid, err := h.resolver.Resolve(r.Context(), identity.CredentialsFromRequest(r, h.cfg.CookieName))
	if err != nil {
		writeJSON(w, http.StatusOK, sessionStatus{LoggedIn: false})
		return
	}
	writeJSON(w, http.StatusOK, sessionStatus{LoggedIn: true, UID: uid})
}
