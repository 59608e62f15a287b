package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// azurePublicClientID is the well-known Azure CLI public client, usable for
// delegated device-code sign-in without a client secret.
const azurePublicClientID = "04b07795-8ddb-461a-bbee-02f9e1bf7b46"

// deviceAuthorizer runs the OAuth 2.0 device authorization flow (RFC 8628)
// against an Azure AD tenant and refreshes the resulting token set.
type deviceAuthorizer struct {
	tenant string
	client *http.Client
}

func newDeviceAuthorizer(tenant string, client *http.Client) *deviceAuthorizer {
	return &deviceAuthorizer{tenant: tenant, client: client}
}

func (d *deviceAuthorizer) oauthConfig(scope string) *oauth2.Config {
	base := fmt.Sprintf("%s/%s/oauth2/v2.0", loginBaseURL, d.tenant)
	return &oauth2.Config{
		ClientID: azurePublicClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:       base + "/authorize",
			TokenURL:      base + "/token",
			DeviceAuthURL: base + "/devicecode",
		},
		// offline_access yields a refresh token so the user signs in once.
		Scopes: []string{scope, "offline_access"},
	}
}

// token returns a valid delegated token, refreshing the current one when
// possible and falling back to a fresh device-code sign-in otherwise.
func (d *deviceAuthorizer) token(ctx context.Context, scope string, current *oauth2.Token) (*oauth2.Token, error) {
	cfg := d.oauthConfig(scope)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.client)

	if current != nil && current.RefreshToken != "" {
		refreshed, err := cfg.TokenSource(ctx, current).Token()
		if err == nil {
			return refreshed, nil
		}
		log.Warnf("delegated token refresh failed, starting new device-code sign-in: %v", err)
	}

	resp, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, &AuthError{Message: "device authorization request failed", Err: err}
	}

	log.Warnf("To sign in, use a web browser to open %s and enter the code %s", resp.VerificationURI, resp.UserCode)

	pollCtx := ctx
	if !resp.Expiry.IsZero() {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithDeadline(ctx, resp.Expiry)
		defer cancel()
	} else {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
	}

	tok, err := cfg.DeviceAccessToken(pollCtx, resp)
	if err != nil {
		return nil, &AuthError{Message: "device-code sign-in failed", Err: err}
	}
	return tok, nil
}
