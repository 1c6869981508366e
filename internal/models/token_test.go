package models

import (
	"testing"
	"time"
)

func TestTokenExpiry(t *testing.T) {
	now := time.Now()
	tok := TokenRecord{ExpiresAt: now.Add(time.Hour)}

	if tok.Expired(now) {
		t.Error("token expiring in an hour reported expired")
	}
	if !tok.Expired(now.Add(2 * time.Hour)) {
		t.Error("token past expiry not reported expired")
	}
	if tok.ExpiresWithin(now, 30*time.Minute) {
		t.Error("token with an hour left reported inside a 30m window")
	}
	if !tok.ExpiresWithin(now, 2*time.Hour) {
		t.Error("token with an hour left not reported inside a 2h window")
	}
}

func TestScopeForOwner(t *testing.T) {
	if s := ScopeForOwner("agency"); !s.IsAgency() {
		t.Errorf("ScopeForOwner(agency) = %v, want agency scope", s)
	}
	s := ScopeForOwner("loc_123")
	if s.IsAgency() || s.LocationID != "loc_123" {
		t.Errorf("ScopeForOwner(loc_123) = %v, want location scope", s)
	}
	if got := s.String(); got != "location:loc_123" {
		t.Errorf("String() = %q", got)
	}
	if got := Agency().String(); got != "agency" {
		t.Errorf("Agency().String() = %q", got)
	}
}
