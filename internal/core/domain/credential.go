package domain

import "time"

// CredentialRefreshWindow is how long before expiry a credential is treated
// as due for refresh.
const CredentialRefreshWindow = 10 * time.Minute

// Credential is a time-boxed access token scoped to one target endpoint.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the credential is no longer valid.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// NeedsRefresh reports whether less than the refresh window remains.
func (c Credential) NeedsRefresh(now time.Time) bool {
	return c.ExpiresAt.Sub(now) < CredentialRefreshWindow
}
