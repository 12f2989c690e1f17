package testutil

import (
	"context"

	"github.com/dgellow/twitch-session/internal/idp"
	"github.com/dgellow/twitch-session/internal/redirect"
	"github.com/stretchr/testify/mock"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) AuthorizationRequest() (*idp.AuthorizationRequest, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*idp.AuthorizationRequest), args.Error(1)
}

func (m *MockProvider) ParseRedirect(result redirect.Result, nonce string) idp.Response {
	args := m.Called(result, nonce)
	return args.Get(0).(idp.Response)
}

func (m *MockProvider) FetchProfile(ctx context.Context, token string) (*idp.Profile, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*idp.Profile), args.Error(1)
}

func (m *MockProvider) RevokeToken(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

type MockRedirector struct {
	mock.Mock
}

func (m *MockRedirector) Redirect(ctx context.Context, authURL, redirectURI string) (redirect.Result, error) {
	args := m.Called(ctx, authURL, redirectURI)
	return args.Get(0).(redirect.Result), args.Error(1)
}
