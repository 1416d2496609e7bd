package handler

import (
	"encoding/json"
	"net/http"

	"github.com/ezkeys/ezkeys/internal/identity"
	"github.com/ezkeys/ezkeys/internal/model"
	"github.com/ezkeys/ezkeys/internal/server/middleware"
	"github.com/ezkeys/ezkeys/internal/service"
)

// KeyHandler exposes the key lifecycle over HTTP.
type KeyHandler struct {
	svc        *service.KeyService
	cookieName string
}

// NewKeyHandler returns a KeyHandler. Session artifacts are read from the
// cookie named cookieName.
func NewKeyHandler(svc *service.KeyService, cookieName string) *KeyHandler {
	if cookieName == "" {
		cookieName = identity.DefaultSessionCookie
	}
	return &KeyHandler{svc: svc, cookieName: cookieName}
}

type createKeyRequest struct {
	Name   *string   `json:"name"`
	Scopes scopeList `json:"scopes"`
	Demo   bool      `json:"demo"`
}

// scopeList accepts a JSON array and keeps only its string entries.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var v *string
		if json.Unmarshal(item, &v) == nil && v != nil {
			out = append(out, *v)
		}
	}
	*s = out
	return nil
}

type keyIDRequest struct {
	ID string `json:"id"`
}

// Create handles POST /createApiKey.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.svc.Create(r.Context(), h.credentials(r), service.CreateInput{
		Name:   req.Name,
		Scopes: req.Scopes,
		Demo:   req.Demo,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

// List handles GET /listApiKeys.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context(), h.credentials(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{Items: items})
}

// Revoke handles POST /revokeApiKey.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req keyIDRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Revoke(r.Context(), h.credentials(r), req.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetDefault handles POST /setDefaultApiKey.
func (h *KeyHandler) SetDefault(w http.ResponseWriter, r *http.Request) {
	var req keyIDRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.SetDefault(r.Context(), h.credentials(r), req.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DemoCall handles POST /demoProxyCall.
func (h *KeyHandler) DemoCall(w http.ResponseWriter, r *http.Request) {
	var req keyIDRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.DemoCall(r.Context(), h.credentials(r), req.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Verify handles POST /verifyApiKey. The key has already been checked by
// middleware.RequireAPIKey.
func (h *KeyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetKeyPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, string(service.CodeUnauthenticated), "invalid api key")
		return
	}
	scopes := p.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	writeJSON(w, http.StatusOK, model.VerifyResponse{KeyID: p.KeyID, OwnerID: p.OwnerID, Scopes: scopes})
}

// decode reads the request body into v. A caller without valid credentials
// gets 401 whatever the body holds; otherwise a bad body is a 400.
func (h *KeyHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := readJSON(w, r, v)
	if err == nil {
		return true
	}
	if _, authErr := h.svc.Principal(r.Context(), h.credentials(r)); authErr != nil {
		writeServiceError(w, authErr)
		return false
	}
	writeError(w, http.StatusBadRequest, string(service.CodeInvalidArgument), err.Error())
	return false
}

func (h *KeyHandler) credentials(r *http.Request) identity.Credentials {
	return identity.CredentialsFromRequest(r, h.cookieName)
}
