package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const graphMeURL = "https://graph.microsoft.com/v1.0/me"

// User describes the authenticated caller as reported by Microsoft Graph or,
// failing that, by the claims of the caller's own token.
type User struct {
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
	GivenName      string `json:"given_name,omitempty"`
	Surname        string `json:"surname,omitempty"`
	JobTitle       string `json:"job_title,omitempty"`
	OfficeLocation string `json:"office_location,omitempty"`
	ID             string `json:"id"`
}

// CurrentUser looks up the signed-in user behind the provider's credential via
// the Microsoft Graph "me" endpoint.
func CurrentUser(ctx context.Context, client *http.Client, provider *Provider) (*User, error) {
	tok, err := provider.Token(ctx, GraphScope)
	if err != nil {
		return nil, err
	}
	return UserFromGraph(ctx, client, tok.Value)
}

// UserFromGraph resolves the identity behind a raw bearer token by calling
// Microsoft Graph. A non-200 response is returned as an AuthError so callers
// can fall back to decoding the token's own claims.
func UserFromGraph(ctx context.Context, client *http.Client, bearer string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphMeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Graph request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Graph response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{Message: fmt.Sprintf("identity lookup failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var payload struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
		GivenName         string `json:"givenName"`
		Surname           string `json:"surname"`
		JobTitle          string `json:"jobTitle"`
		OfficeLocation    string `json:"officeLocation"`
		ID                string `json:"id"`
	}
	if err = json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse Graph response: %w", err)
	}

	email := payload.Mail
	if email == "" {
		email = payload.UserPrincipalName
	}
	return &User{
		Email:          email,
		DisplayName:    payload.DisplayName,
		GivenName:      payload.GivenName,
		Surname:        payload.Surname,
		JobTitle:       payload.JobTitle,
		OfficeLocation: payload.OfficeLocation,
		ID:             payload.ID,
	}, nil
}

// TokenClaims holds the subset of Azure AD JWT claims the gateway cares about.
type TokenClaims struct {
	UPN               string `json:"upn"`
	UniqueName        string `json:"unique_name"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	OID               string `json:"oid"`
	Exp               int64  `json:"exp"`
}

// ParseTokenClaims extracts the claims section of a JWT without verifying the
// signature. The token has already been accepted by Azure AD; this is only an
// identity fallback for when Graph is not callable with the supplied token.
func ParseTokenClaims(token string) (*TokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWT token format: expected 3 parts, got %d", len(parts))
	}

	claimsData, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT claims: %w", err)
	}

	var claims TokenClaims
	if err = json.Unmarshal(claimsData, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JWT claims: %w", err)
	}
	return &claims, nil
}

// base64URLDecode decodes a Base64 URL-encoded string, adding padding if
// necessary. JWTs use a URL-safe Base64 alphabet and omit padding.
func base64URLDecode(data string) ([]byte, error) {
	switch len(data) % 4 {
	case 2:
		data += "=="
	case 3:
		data += "="
	}
	return base64.URLEncoding.DecodeString(data)
}

// User builds a User from the claims, preferring upn, then unique_name, then
// preferred_username for the email.
func (c *TokenClaims) User() *User {
	email := c.UPN
	if email == "" {
		email = c.UniqueName
	}
	if email == "" {
		email = c.PreferredUsername
	}
	name := c.Name
	if name == "" {
		name = email
	}
	return &User{Email: email, DisplayName: name, ID: c.OID}
}

// ExpiresAt returns the claim expiry as a time, or zero when absent.
func (c *TokenClaims) ExpiresAt() time.Time {
	if c.Exp == 0 {
		return time.Time{}
	}
	return time.Unix(c.Exp, 0)
}
