package model

import "time"

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// KeySummary is the listable view of an API key. It carries no secret
// material.
type KeySummary struct {
	ID         string     `json:"id"`
	Name       *string    `json:"name"`
	KeyPrefix  string     `json:"keyPrefix"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
	RevokedAt  *time.Time `json:"revokedAt"`
	IsDefault  bool       `json:"isDefault"`
}

// ListResponse wraps list results.
type ListResponse struct {
	Items []KeySummary `json:"items"`
}

// CreatedKey is returned exactly once, from key creation. Key holds the
// plaintext.
type CreatedKey struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	KeyPrefix  string     `json:"keyPrefix"`
	Name       *string    `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
}

// RevokeResponse acknowledges a revocation.
type RevokeResponse struct {
	OK      bool `json:"ok"`
	Deleted bool `json:"deleted"`
}

// SetDefaultResponse acknowledges a default key change.
type SetDefaultResponse struct {
	OK bool `json:"ok"`
}

// DemoCallResponse acknowledges a demo call. The decrypted key never leaves
// the server.
type DemoCallResponse struct {
	OK   bool `json:"ok"`
	Demo bool `json:"demo"`
}

// VerifyResponse describes the owner of a presented API key.
type VerifyResponse struct {
	KeyID   string   `json:"keyId"`
	OwnerID string   `json:"ownerId"`
	Scopes  []string `json:"scopes"`
}

// Summary projects a record onto its listable view.
func (k *APIKey) Summary() KeySummary {
	s := KeySummary{
		ID:         k.ID,
		KeyPrefix:  k.KeyPrefix,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
		RevokedAt:  k.RevokedAt,
		IsDefault:  k.IsDefault,
	}
	if k.Name != "" {
		name := k.Name
		s.Name = &name
	}
	return s
}
