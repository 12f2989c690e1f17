package idp

import (
	"fmt"
	"strconv"

	"github.com/dgellow/twitch-session/internal/crypto"
	"golang.org/x/oauth2"
)

// AuthorizationRequest builds the implicit-grant authorization URL with a
// nonce generated for this call only.
func (p *TwitchProvider) AuthorizationRequest() (*AuthorizationRequest, error) {
	nonce, err := crypto.GenerateNonce(crypto.NonceLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	// AuthCodeURL sets response_type=code; the option overrides it.
	authURL := p.config.AuthCodeURL(nonce,
		oauth2.SetAuthURLParam("response_type", "token"),
		oauth2.SetAuthURLParam("force_verify", strconv.FormatBool(p.forceVerify)),
	)

	return &AuthorizationRequest{
		URL:         authURL,
		Nonce:       nonce,
		RedirectURI: p.config.RedirectURL,
	}, nil
}
