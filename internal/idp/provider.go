package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dgellow/twitch-session/internal/apiclient"
	"github.com/dgellow/twitch-session/internal/config"
	"github.com/dgellow/twitch-session/internal/redirect"
	"golang.org/x/oauth2"
)

var (
	// ErrInvalidState means the state returned on redirect does not match the
	// nonce issued for the attempt.
	ErrInvalidState = errors.New("invalid state")

	// ErrProfileUnavailable means the profile could not be fetched or was
	// incomplete.
	ErrProfileUnavailable = errors.New("profile unavailable")

	// ErrRevocationFailed means the provider did not confirm revocation.
	ErrRevocationFailed = errors.New("token revocation failed")
)

// Profile is the authenticated user as reported by the provider. It is a
// snapshot taken once per sign-in.
type Profile struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"profile_image_url"`
}

// AuthorizationRequest is one sign-in attempt's authorization URL and the
// nonce bound to it. It is never stored.
type AuthorizationRequest struct {
	URL         string
	Nonce       string
	RedirectURI string
}

// Provider abstracts the identity provider operations used by the session
// flow.
type Provider interface {
	// AuthorizationRequest builds a fresh request with its own nonce.
	AuthorizationRequest() (*AuthorizationRequest, error)

	// ParseRedirect interprets the redirect outcome against the issued nonce.
	ParseRedirect(result redirect.Result, nonce string) Response

	// FetchProfile exchanges a bearer token for the user's profile.
	FetchProfile(ctx context.Context, token string) (*Profile, error)

	// RevokeToken invalidates token with the provider.
	RevokeToken(ctx context.Context, token string) error
}

var _ Provider = (*TwitchProvider)(nil)

// TwitchProvider implements Provider for Twitch's implicit grant flow.
type TwitchProvider struct {
	config        oauth2.Config
	forceVerify   bool
	revocationURL string
	api           *apiclient.Client
	httpClient    *http.Client
}

// ProviderOption configures a TwitchProvider.
type ProviderOption func(*TwitchProvider)

// WithHTTPClient sets the client used for revocation requests.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *TwitchProvider) {
		p.httpClient = c
	}
}

// NewTwitchProvider creates the provider. The client id is taken from api,
// so the Client-Id header, the authorization request and the revocation
// call always carry the same value; cfg.ClientID is only a fallback.
func NewTwitchProvider(cfg config.ProviderConfig, redirectURI string, api *apiclient.Client, opts ...ProviderOption) *TwitchProvider {
	clientID := cfg.ClientID
	if id := api.ClientID(); id != "" {
		clientID = id
	}
	p := &TwitchProvider{
		config: oauth2.Config{
			ClientID:    clientID,
			RedirectURL: redirectURI,
			Scopes:      append([]string(nil), cfg.Scopes...),
			Endpoint: oauth2.Endpoint{
				AuthURL: cfg.AuthorizationURL,
			},
		},
		forceVerify:   cfg.ForceVerify,
		revocationURL: cfg.RevocationURL,
		api:           api,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// userID accepts Twitch's string-encoded ids as well as JSON numbers.
type userID int64

func (id *userID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("id must be a number or numeric string")
		}
		n = json.Number(s)
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("id %q is not an integer", n.String())
	}
	*id = userID(v)
	return nil
}
