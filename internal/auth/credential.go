// Package auth handles Azure AD credential management for the Fabric Agent
// Gateway. It supports four mutually exclusive credential modes decided once at
// construction: a caller-supplied bearer token, a confidential client (service
// principal), the device-code delegated flow, and the ambient managed identity
// available on Azure compute. All modes expose the same token acquisition
// contract with transparent refresh before expiry.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// FabricScope is the OAuth scope for the Fabric REST API.
	FabricScope = "https://api.fabric.microsoft.com/.default"
	// GraphScope is the OAuth scope for Microsoft Graph.
	GraphScope = "https://graph.microsoft.com/.default"

	// refreshMargin is how long before expiry a cached token is re-acquired.
	refreshMargin = 5 * time.Minute

	loginBaseURL = "https://login.microsoftonline.com"
	imdsTokenURL = "http://169.254.169.254/metadata/identity/oauth2/token"
)

// Mode identifies which credential strategy a provider was built with.
type Mode string

const (
	// ModePresupplied uses a caller-supplied bearer token; refresh is the
	// caller's responsibility.
	ModePresupplied Mode = "presupplied"
	// ModeClientSecret authenticates as a confidential client (service principal).
	ModeClientSecret Mode = "client-secret"
	// ModeDeviceCode runs the delegated device-code flow for a signed-in user.
	ModeDeviceCode Mode = "device-code"
	// ModeAmbient uses the Azure managed identity endpoint.
	ModeAmbient Mode = "ambient"
)

// Token is an acquired bearer token together with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token exists and has not passed the refresh margin.
func (t Token) Valid() bool {
	return t.Value != "" && time.Until(t.ExpiresAt) > refreshMargin
}

// Options selects the credential mode. Exactly one mode is chosen from which
// fields are non-empty: AccessToken > Tenant+ClientID+ClientSecret > Tenant >
// nothing (ambient).
type Options struct {
	// AccessToken is a pre-obtained bearer token from client-side authentication.
	AccessToken string
	// AccessTokenExpiry optionally records when the pre-obtained token expires.
	// Zero means unknown; the remote service is then the only expiry check.
	AccessTokenExpiry time.Time
	// TenantID is the Azure AD tenant.
	TenantID string
	// ClientID and ClientSecret enable the confidential-client mode.
	ClientID     string
	ClientSecret string
	// HTTPClient overrides the default HTTP client used for token exchange.
	HTTPClient *http.Client
}

// Provider acquires and caches bearer tokens for a single credential.
// A Provider is safe for concurrent use, but one instance represents one
// identity: per-user-token flows must construct a distinct Provider per
// session instead of mutating a shared one.
type Provider struct {
	mode   Mode
	tenant string

	client *http.Client

	// confidential-client exchange, nil for other modes
	ccCfg *clientcredentials.Config

	mu          sync.Mutex
	token       Token
	deviceToken *oauth2.Token
	deviceAuth  *deviceAuthorizer
}

// NewProvider builds a Provider, selecting the credential mode from the
// supplied options. The mode is fixed for the lifetime of the Provider.
func NewProvider(opts Options) *Provider {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	p := &Provider{tenant: opts.TenantID, client: client}
	switch {
	case opts.AccessToken != "":
		p.mode = ModePresupplied
		p.token = Token{Value: opts.AccessToken, ExpiresAt: opts.AccessTokenExpiry}
	case opts.TenantID != "" && opts.ClientID != "" && opts.ClientSecret != "":
		p.mode = ModeClientSecret
		p.ccCfg = &clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", loginBaseURL, opts.TenantID),
		}
	case opts.TenantID != "":
		p.mode = ModeDeviceCode
		p.deviceAuth = newDeviceAuthorizer(opts.TenantID, client)
	default:
		p.mode = ModeAmbient
	}
	return p
}

// Mode returns the credential strategy selected at construction.
func (p *Provider) Mode() Mode { return p.mode }

// Valid reports whether a cached token exists and is not near expiry.
// No network call is made. A presupplied token with unknown expiry is
// treated as valid; the remote service is the authority in that case.
func (p *Provider) Valid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == ModePresupplied {
		if p.token.ExpiresAt.IsZero() {
			return p.token.Value != ""
		}
		return p.token.Value != "" && time.Now().Before(p.token.ExpiresAt)
	}
	return p.token.Valid()
}

// Token returns a bearer token for the given scope, re-acquiring it when the
// cached one is within the refresh margin of expiry. Presupplied tokens are
// never refreshed locally: when expired the call fails with an AuthError and
// the caller is responsible for supplying a fresh one.
func (p *Provider) Token(ctx context.Context, scope string) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == ModePresupplied {
		if p.token.Value == "" {
			return Token{}, &AuthError{Message: "no access token supplied"}
		}
		if !p.token.ExpiresAt.IsZero() && time.Now().After(p.token.ExpiresAt) {
			return Token{}, &AuthError{Message: "client-supplied access token has expired"}
		}
		return p.token, nil
	}

	if p.token.Valid() {
		return p.token, nil
	}

	tok, err := p.acquireLocked(ctx, scope)
	if err != nil {
		return Token{}, err
	}
	p.token = tok
	log.Debugf("acquired %s token, expires at %s", p.mode, tok.ExpiresAt.Format(time.RFC3339))
	return tok, nil
}

// Logout discards the cached token and any underlying credential state so the
// next acquisition starts clean. For the device-code mode this forces a new
// sign-in prompt.
func (p *Provider) Logout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = Token{}
	p.deviceToken = nil
	if p.mode == ModeDeviceCode {
		p.deviceAuth = newDeviceAuthorizer(p.tenant, p.client)
	}
}

func (p *Provider) acquireLocked(ctx context.Context, scope string) (Token, error) {
	switch p.mode {
	case ModeClientSecret:
		cfg := *p.ccCfg
		cfg.Scopes = []string{scope}
		tok, err := cfg.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, p.client)).Token()
		if err != nil {
			return Token{}, &AuthError{Message: "client credential exchange failed", Err: err}
		}
		return Token{Value: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
	case ModeDeviceCode:
		tok, err := p.deviceAuth.token(ctx, scope, p.deviceToken)
		if err != nil {
			return Token{}, err
		}
		p.deviceToken = tok
		return Token{Value: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
	case ModeAmbient:
		return p.acquireManagedIdentity(ctx, scope)
	default:
		return Token{}, &AuthError{Message: "no credential available"}
	}
}

// acquireManagedIdentity fetches a token from the Azure instance metadata
// service. Only available on Azure compute with a managed identity assigned.
func (p *Provider) acquireManagedIdentity(ctx context.Context, scope string) (Token, error) {
	// IMDS speaks resource URIs, not scopes.
	resource := strings.TrimSuffix(scope, "/.default")

	q := url.Values{}
	q.Set("api-version", "2018-02-01")
	q.Set("resource", resource)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imdsTokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return Token{}, fmt.Errorf("failed to create IMDS request: %w", err)
	}
	req.Header.Set("Metadata", "true")

	resp, err := p.client.Do(req)
	if err != nil {
		return Token{}, &AuthError{Message: "managed identity endpoint unreachable", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("failed to read IMDS response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, &AuthError{Message: fmt.Sprintf("managed identity token request failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresOn   string `json:"expires_on"`
	}
	if err = json.Unmarshal(body, &payload); err != nil {
		return Token{}, fmt.Errorf("failed to parse IMDS response: %w", err)
	}
	expiresOn, err := strconv.ParseInt(payload.ExpiresOn, 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("failed to parse IMDS expiry %q: %w", payload.ExpiresOn, err)
	}
	return Token{Value: payload.AccessToken, ExpiresAt: time.Unix(expiresOn, 0)}, nil
}

// AuthError signals a credential setup or token exchange failure. It is
// terminal: callers must not retry, the user has to re-authenticate.
type AuthError struct {
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Message, e.Err)
	}
	return "authentication failed: " + e.Message
}

// Unwrap exposes the underlying cause.
func (e *AuthError) Unwrap() error { return e.Err }
