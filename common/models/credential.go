package models

import "time"

// Credential is an encrypted secret bundle owned by a tenant. Data holds
// the AES-256-GCM sealed JSON document (nonce prepended); plaintext never
// reaches the store or the logs.
type Credential struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Data      []byte            `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Expired reports whether the credential is past its expiry at the given
// instant. Credentials without an expiry never expire.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}
