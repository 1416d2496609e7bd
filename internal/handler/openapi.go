package handler

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/ezkeys/ezkeys/internal/openapi"
)

// OpenAPIHandler serves the OpenAPI document. It is rendered once.
type OpenAPIHandler struct {
	version string
	baseURL string
	demo    bool

	once sync.Once
	body []byte
	err  error
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(version, baseURL string, demo bool) *OpenAPIHandler {
	return &OpenAPIHandler{version: version, baseURL: baseURL, demo: demo}
}

// ServeSpec handles GET /openapi.json.
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		h.body, h.err = json.Marshal(openapi.Generate(h.version, h.baseURL, h.demo))
	})
	if h.err != nil {
		writeError(w, http.StatusInternalServerError, "internal-error", "failed to render OpenAPI document")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(h.body)
}
