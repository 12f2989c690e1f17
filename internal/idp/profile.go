package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dgellow/twitch-session/internal/ioutil"
	"golang.org/x/oauth2"
)

// helixUsersResponse is the body of GET /users.
type helixUsersResponse struct {
	Data []helixUser `json:"data"`
}

type helixUser struct {
	ID              *userID `json:"id"`
	Login           string  `json:"login"`
	DisplayName     string  `json:"display_name"`
	Email           string  `json:"email"`
	ProfileImageURL string  `json:"profile_image_url"`
}

// FetchProfile fetches the token owner's profile. The token is presented on
// this request only; binding it to the shared API client is the caller's
// decision once the sign-in commits.
func (p *TwitchProvider) FetchProfile(ctx context.Context, token string) (*Profile, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrProfileUnavailable)
	}

	client := p.api.HTTPClient(func(base http.RoundTripper) http.RoundTripper {
		return &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   base,
		}
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.api.URL("users"), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request: %v", ErrProfileUnavailable, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get user: %v", ErrProfileUnavailable, err)
	}
	defer ioutil.DrainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: failed to get user: status %d: %s",
			ErrProfileUnavailable, resp.StatusCode, ioutil.ReadLimited(resp.Body, 512))
	}

	var body helixUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: failed to decode user: %v", ErrProfileUnavailable, err)
	}

	// The endpoint returns a list; the first entry is the token owner.
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("%w: provider returned no users", ErrProfileUnavailable)
	}
	user := body.Data[0]
	if user.ID == nil {
		return nil, fmt.Errorf("%w: user is missing id", ErrProfileUnavailable)
	}
	if user.DisplayName == "" {
		return nil, fmt.Errorf("%w: user is missing display_name", ErrProfileUnavailable)
	}

	return &Profile{
		ID:          int64(*user.ID),
		DisplayName: user.DisplayName,
		Email:       user.Email,
		AvatarURL:   user.ProfileImageURL,
	}, nil
}
