package model

import "time"

// Limits applied to caller-supplied key metadata.
const (
	MaxNameLength  = 120
	MaxScopes      = 20
	MaxListResults = 100
)

// APIKey is the stored record for one issued API key. The plaintext key is
// never stored; HashedSecret, Salt and KeyMaterialEnc are never serialized.
type APIKey struct {
	ID             string     `json:"id" db:"id"`
	OwnerID        string     `json:"ownerId" db:"owner_id"`
	Name           string     `json:"name,omitempty" db:"name"`
	KeyPrefix      string     `json:"keyPrefix" db:"key_prefix"`
	KeyLookup      string     `json:"-" db:"key_lookup"`
	HashedSecret   string     `json:"-" db:"hashed_secret"`
	Salt           string     `json:"-" db:"salt"`
	Algorithm      string     `json:"-" db:"algorithm"`
	Params         HashParams `json:"-"`
	Scopes         []string   `json:"scopes,omitempty"`
	KeyMaterialEnc string     `json:"-" db:"key_material_enc"`
	IsDefault      bool       `json:"isDefault" db:"is_default"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	LastUsedAt     *time.Time `json:"lastUsedAt" db:"last_used_at"`
	RevokedAt      *time.Time `json:"revokedAt" db:"revoked_at"`
}

// HashParams mirrors the Argon2id cost parameters a record was hashed with.
type HashParams struct {
	Memory      uint32 `json:"memoryCost"`
	Time        uint32 `json:"timeCost"`
	Parallelism uint8  `json:"parallelism"`
	KeyLength   uint32 `json:"keyLength"`
}

// IsActive reports whether the key has not been revoked.
func (k *APIKey) IsActive() bool {
	return k.RevokedAt == nil
}
