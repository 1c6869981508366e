package models

import "time"

// Credential levels. Exactly one agency-level record exists system-wide;
// location records may be minted from it.
const (
	LevelAgency   = "agency"
	LevelLocation = "location"
)

// TokenRecord stores one OAuth installation's credentials. The provider
// invalidates a refresh token on first use, so access_token, refresh_token
// and expires_at are only ever replaced together.
type TokenRecord struct {
	ID           int64      `json:"id"`
	Level        string     `json:"level"`
	LocationID   string     `json:"location_id,omitempty"`
	CompanyID    string     `json:"company_id,omitempty"`
	ProviderUser string     `json:"provider_user_id,omitempty"`
	AppUserID    *int64     `json:"app_user_id,omitempty"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	TokenType    string     `json:"token_type"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Scope        string     `json:"scope,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expired reports whether the access token is already past its expiry.
func (t TokenRecord) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires inside the
// given window, i.e. it should be refreshed before use.
func (t TokenRecord) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !now.Before(t.ExpiresAt.Add(-window))
}

// TenantScope identifies whose credential a caller wants. An empty
// LocationID addresses the agency-level record.
type TenantScope struct {
	LocationID string
}

// Agency is the scope of the single agency-level credential.
func Agency() TenantScope { return TenantScope{} }

// Location scopes a credential to one location.
func Location(id string) TenantScope { return TenantScope{LocationID: id} }

// IsAgency reports whether the scope addresses the agency record.
func (s TenantScope) IsAgency() bool { return s.LocationID == "" }

// ScopeForOwner maps a job owner to its credential scope. Owners are
// location ids; the literal "agency" owner uses the agency credential.
func ScopeForOwner(owner string) TenantScope {
	if owner == "agency" {
		return Agency()
	}
	return Location(owner)
}

func (s TenantScope) String() string {
	if s.IsAgency() {
		return "agency"
	}
	return "location:" + s.LocationID
}
