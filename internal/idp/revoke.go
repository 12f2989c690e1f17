package idp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dgellow/twitch-session/internal/ioutil"
)

// RevokeToken asks the provider to invalidate token. An empty token is a
// no-op.
func (p *TwitchProvider) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	form := url.Values{}
	form.Set("client_id", p.config.ClientID)
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %v", ErrRevocationFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationFailed, err)
	}
	defer ioutil.DrainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrRevocationFailed, resp.StatusCode, ioutil.ReadLimited(resp.Body, 512))
	}
	return nil
}
