package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func oauthClientFor(srv *httptest.Server) *OAuthClient {
	return NewOAuthClient(OAuthConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		RedirectURI:  "https://app.example/callback",
		AuthURL:      srv.URL + "/oauth/chooselocation",
		TokenURL:     srv.URL + "/oauth/token",
		Timeout:      time.Second,
	})
}

func TestAuthCodeURLCarriesUserType(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	u := oauthClientFor(srv).AuthCodeURL("state-1", UserTypeLocation)
	if !strings.Contains(u, "user_type=Location") {
		t.Fatalf("auth url missing user_type: %s", u)
	}
	if !strings.Contains(u, "state=state-1") {
		t.Fatalf("auth url missing state: %s", u)
	}
}

func TestRefreshSendsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-old" {
			t.Errorf("refresh_token = %q", got)
		}
		if got := r.PostForm.Get("user_type"); got != UserTypeLocation {
			t.Errorf("user_type = %q", got)
		}
		w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","expires_in":86400,"locationId":"loc_1"}`))
	}))
	defer srv.Close()

	payload, err := oauthClientFor(srv).Refresh(context.Background(), "rt-old", UserTypeLocation)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if payload.AccessToken != "at-new" || payload.RefreshToken != "rt-new" || payload.LocationID != "loc_1" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestMintLocationTokenEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/locationToken" {
			t.Errorf("path = %q, want /oauth/locationToken", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer agency-at" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("locationId"); got != "loc_9" {
			t.Errorf("locationId = %q", got)
		}
		if got := r.PostForm.Get("companyId"); got != "comp_1" {
			t.Errorf("companyId = %q", got)
		}
		w.Write([]byte(`{"access_token":"loc-at","expires_in":86400,"locationId":"loc_9"}`))
	}))
	defer srv.Close()

	payload, err := oauthClientFor(srv).MintLocationToken(context.Background(), "agency-at", "comp_1", "loc_9")
	if err != nil {
		t.Fatalf("MintLocationToken: %v", err)
	}
	if payload.AccessToken != "loc-at" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestTokenResponseMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"expires_in":3600}`))
	}))
	defer srv.Close()

	if _, err := oauthClientFor(srv).Refresh(context.Background(), "rt", UserTypeLocation); err == nil {
		t.Fatal("accepted token response without access_token")
	}
}

func TestExpiresAtFallback(t *testing.T) {
	now := time.Now()
	if got := (TokenPayload{ExpiresIn: 3600}).ExpiresAt(now); !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v", got)
	}
	// a missing expires_in defaults to a day rather than an already-expired token
	if got := (TokenPayload{}).ExpiresAt(now); !got.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("fallback ExpiresAt = %v", got)
	}
}
