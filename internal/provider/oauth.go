package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// User types the token endpoint distinguishes. Company-level grants
// belong to the agency installation.
const (
	UserTypeLocation = "Location"
	UserTypeCompany  = "Company"
)

// TokenPayload is the token endpoint's response shape, shared by code
// exchange, refresh and location minting.
type TokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	LocationID   string `json:"locationId"`
	CompanyID    string `json:"companyId"`
	UserID       string `json:"userId"`
	UserType     string `json:"userType"`
}

// ExpiresAt converts the relative expires_in into an absolute expiry.
func (p TokenPayload) ExpiresAt(now time.Time) time.Time {
	if p.ExpiresIn <= 0 {
		return now.Add(24 * time.Hour)
	}
	return now.Add(time.Duration(p.ExpiresIn) * time.Second)
}

// OAuthConfig carries the marketplace app's client settings.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	Timeout      time.Duration
}

// OAuthClient implements the provider's OAuth flows: authorization-code
// exchange, single-use refresh-token exchange and agency-to-location
// token minting.
type OAuthClient struct {
	cfg  OAuthConfig
	oac  *oauth2.Config
	http *http.Client
}

func NewOAuthClient(cfg OAuthConfig) *OAuthClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &OAuthClient{
		cfg: cfg,
		oac: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http: &http.Client{Timeout: timeout},
	}
}

// AuthCodeURL builds the URL a tenant visits to authorize the app.
func (c *OAuthClient) AuthCodeURL(state, userType string) string {
	return c.oac.AuthCodeURL(state, oauth2.SetAuthURLParam("user_type", userType))
}

// Exchange trades an authorization code for the first token pair.
func (c *OAuthClient) Exchange(ctx context.Context, code, userType string) (TokenPayload, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.oac.Exchange(ctx, code, oauth2.SetAuthURLParam("user_type", userType))
	if err != nil {
		return TokenPayload{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	p := TokenPayload{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    int(time.Until(tok.Expiry).Seconds()),
	}
	p.Scope, _ = tok.Extra("scope").(string)
	p.LocationID, _ = tok.Extra("locationId").(string)
	p.CompanyID, _ = tok.Extra("companyId").(string)
	p.UserID, _ = tok.Extra("userId").(string)
	p.UserType, _ = tok.Extra("userType").(string)
	return p, nil
}

// Refresh exchanges a refresh token for a new token pair. The provider
// consumes the refresh token on first use; callers must persist the new
// pair atomically and never replay the old one.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken, userType string) (TokenPayload, error) {
	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"user_type":     {userType},
	}
	return c.postToken(ctx, c.cfg.TokenURL, form, "")
}

// MintLocationToken exchanges a valid agency credential for a location
// credential, without the location running its own authorization flow.
func (c *OAuthClient) MintLocationToken(ctx context.Context, agencyAccessToken, companyID, locationID string) (TokenPayload, error) {
	form := url.Values{
		"companyId":  {companyID},
		"locationId": {locationID},
	}
	mintURL := strings.TrimSuffix(c.cfg.TokenURL, "/token") + "/locationToken"
	return c.postToken(ctx, mintURL, form, agencyAccessToken)
}

func (c *OAuthClient) postToken(ctx context.Context, endpoint string, form url.Values, bearer string) (TokenPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenPayload{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Version", "2021-07-28")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return TokenPayload{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return TokenPayload{}, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var payload TokenPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return TokenPayload{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return TokenPayload{}, fmt.Errorf("token response missing access_token")
	}
	return payload, nil
}
