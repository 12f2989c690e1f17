package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/dgellow/twitch-session/internal/apiclient"
	"github.com/dgellow/twitch-session/internal/config"
	"github.com/dgellow/twitch-session/internal/idp"
	"github.com/dgellow/twitch-session/internal/redirect"
	"github.com/dgellow/twitch-session/internal/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const anaProfile = `{"data":[{"id":1,"display_name":"Ana","email":"a@x.com","profile_image_url":"u.png"}]}`

// fakeTwitch serves the Helix users endpoint and the revocation endpoint.
type fakeTwitch struct {
	*httptest.Server

	mu          sync.Mutex
	usersBody   string
	usersStatus int
	revoked     []string
	lastAuth    string
	lastClient  string
}

func newFakeTwitch(t *testing.T) *fakeTwitch {
	t.Helper()
	f := &fakeTwitch{usersBody: anaProfile, usersStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /helix/users", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastAuth = r.Header.Get("Authorization")
		f.lastClient = r.Header.Get(apiclient.ClientIDHeader)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.usersStatus)
		_, _ = w.Write([]byte(f.usersBody))
	})
	mux.HandleFunc("POST /oauth2/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.revoked = append(f.revoked, r.PostForm.Get("token"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /helix/echo", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Authorization")
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeTwitch) setUsers(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usersStatus = status
	f.usersBody = body
}

func (f *fakeTwitch) revokedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

func (f *fakeTwitch) authHeader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

// providerRedirect answers every redirect with params, substituting the
// issued state unless params sets one.
func providerRedirect(params map[string]string) redirect.RedirectorFunc {
	return func(_ context.Context, authURL, _ string) (redirect.Result, error) {
		u, err := url.Parse(authURL)
		if err != nil {
			return redirect.Result{}, err
		}
		out := map[string]string{"state": u.Query().Get("state")}
		for k, v := range params {
			out[k] = v
		}
		return redirect.Result{Type: redirect.ResultSuccess, Params: out}, nil
	}
}

// waitForWaiters blocks until n callers wait on the in-flight sign-in.
func waitForWaiters(t *testing.T, m *Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		m.flightMu.Lock()
		defer m.flightMu.Unlock()
		return m.flight != nil && m.flight.waiters == n
	}, 5*time.Second, 5*time.Millisecond)
}

// blockingRedirect signals entered on its first call, then waits for release
// or for the attempt to be cancelled.
func blockingRedirect(entered, release chan struct{}, params map[string]string) redirect.RedirectorFunc {
	inner := providerRedirect(params)
	var once sync.Once
	return func(ctx context.Context, authURL, uri string) (redirect.Result, error) {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return inner(ctx, authURL, uri)
		case <-ctx.Done():
			return redirect.Result{Type: redirect.ResultDismiss}, nil
		}
	}
}

type fixture struct {
	twitch  *fakeTwitch
	api     *apiclient.Client
	manager *Manager
}

func newFixture(t *testing.T, r redirect.Redirector) *fixture {
	t.Helper()
	twitch := newFakeTwitch(t)

	cfg := config.Default()
	cfg.Provider.ClientID = "test-client"
	cfg.Provider.AuthorizationURL = twitch.URL + "/oauth2/authorize"
	cfg.Provider.RevocationURL = twitch.URL + "/oauth2/revoke"
	cfg.Provider.APIBaseURL = twitch.URL + "/helix"

	api := apiclient.New(cfg.Provider.APIBaseURL, cfg.Provider.ClientID)
	provider := idp.NewTwitchProvider(cfg.Provider, cfg.Redirect.RedirectURI, api)
	return &fixture{
		twitch:  twitch,
		api:     api,
		manager: NewManager(provider, r, api, WithRevokeTimeout(time.Second)),
	}
}

func TestSignIn_Success(t *testing.T) {
	f := newFixture(t, providerRedirect(map[string]string{"access_token": "tok123"}))
	before := promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeSuccess))

	err := f.manager.SignIn(context.Background())
	require.NoError(t, err)

	st := f.manager.State()
	assert.Equal(t, PhaseAuthenticated, st.Phase)
	assert.Equal(t, "tok123", st.Token)
	assert.Equal(t, &idp.Profile{ID: 1, DisplayName: "Ana", Email: "a@x.com", AvatarURL: "u.png"}, f.manager.User())
	assert.False(t, f.manager.IsLoggingIn())

	// The profile fetch presented the issued token and the client id.
	assert.Equal(t, "Bearer tok123", f.twitch.authHeader())
	assert.Equal(t, "test-client", f.twitch.lastClient)

	// Later API calls carry the session token.
	assert.True(t, f.api.HasBearer())
	resp, err := f.api.HTTPClient(nil).Get(f.api.URL("echo"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer tok123", f.twitch.authHeader())

	assert.Equal(t, before+1, promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeSuccess)))
}

func TestSignIn_AccessDenied(t *testing.T) {
	f := newFixture(t, providerRedirect(map[string]string{"error": "access_denied"}))
	before := promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeDenied))

	err := f.manager.SignIn(context.Background())
	require.NoError(t, err)

	st := f.manager.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, st.Token)
	assert.Nil(t, st.User)
	assert.False(t, f.api.HasBearer())
	assert.Equal(t, before+1, promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeDenied)))
}

func TestSignIn_CancelAndDismiss(t *testing.T) {
	for _, typ := range []redirect.ResultType{redirect.ResultCancel, redirect.ResultDismiss} {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture(t, redirect.RedirectorFunc(func(context.Context, string, string) (redirect.Result, error) {
				return redirect.Result{Type: typ}, nil
			}))

			require.NoError(t, f.manager.SignIn(context.Background()))
			assert.Equal(t, PhaseIdle, f.manager.State().Phase)
		})
	}
}

func TestSignIn_StateMismatch(t *testing.T) {
	f := newFixture(t, providerRedirect(map[string]string{"access_token": "tok123", "state": "wrong"}))
	before := promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeForgery))

	err := f.manager.SignIn(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignInFailed)
	assert.ErrorIs(t, err, idp.ErrInvalidState)

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, KindForgery, authErr.Kind)
	assert.NotEmpty(t, authErr.Attempt)

	st := f.manager.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, st.Token)
	assert.False(t, f.api.HasBearer())
	// The forged token was never presented anywhere.
	assert.Empty(t, f.twitch.authHeader())
	assert.Equal(t, before+1, promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeForgery)))
}

func TestSignIn_EmptyProfile(t *testing.T) {
	f := newFixture(t, providerRedirect(map[string]string{"access_token": "tok123"}))
	f.twitch.setUsers(http.StatusOK, `{"data":[]}`)

	err := f.manager.SignIn(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignInFailed)
	assert.ErrorIs(t, err, idp.ErrProfileUnavailable)

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, KindFetch, authErr.Kind)

	st := f.manager.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, st.Token)
	assert.Nil(t, st.User)
	assert.False(t, f.api.HasBearer())
}

func TestSignIn_ProfileErrorStatus(t *testing.T) {
	f := newFixture(t, providerRedirect(map[string]string{"access_token": "tok123"}))
	f.twitch.setUsers(http.StatusUnauthorized, `{"message":"invalid token"}`)

	err := f.manager.SignIn(context.Background())
	assert.ErrorIs(t, err, ErrSignInFailed)
	assert.Equal(t, PhaseIdle, f.manager.State().Phase)
}

func TestSignIn_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
	}{
		{name: "missing_token", params: map[string]string{}},
		{name: "provider_error", params: map[string]string{"error": "server_error"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, providerRedirect(tt.params))

			err := f.manager.SignIn(context.Background())
			var authErr *AuthError
			require.True(t, errors.As(err, &authErr))
			assert.Equal(t, KindProtocol, authErr.Kind)
			assert.Equal(t, PhaseIdle, f.manager.State().Phase)
		})
	}
}

func TestSignIn_RedirectorFailure(t *testing.T) {
	f := newFixture(t, redirect.RedirectorFunc(func(context.Context, string, string) (redirect.Result, error) {
		return redirect.Result{}, errors.New("listen tcp: address already in use")
	}))

	err := f.manager.SignIn(context.Background())
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, KindProtocol, authErr.Kind)
	assert.Contains(t, err.Error(), "address already in use")
	assert.Equal(t, PhaseIdle, f.manager.State().Phase)
}

func TestSignIn_ContextCancelledIsDenial(t *testing.T) {
	f := newFixture(t, redirect.RedirectorFunc(func(ctx context.Context, _, _ string) (redirect.Result, error) {
		<-ctx.Done()
		return redirect.Result{}, ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, f.manager.SignIn(ctx))
	assert.Equal(t, PhaseIdle, f.manager.State().Phase)
}

func TestSignIn_FailureWhileAuthenticatedKeepsSession(t *testing.T) {
	var mu sync.Mutex
	params := map[string]string{"access_token": "tok1"}
	f := newFixture(t, redirect.RedirectorFunc(func(ctx context.Context, authURL, uri string) (redirect.Result, error) {
		mu.Lock()
		p := params
		mu.Unlock()
		return providerRedirect(p)(ctx, authURL, uri)
	}))
	require.NoError(t, f.manager.SignIn(context.Background()))

	mu.Lock()
	params = map[string]string{"access_token": "tok2", "state": "wrong"}
	mu.Unlock()
	require.Error(t, f.manager.SignIn(context.Background()))

	st := f.manager.State()
	assert.Equal(t, PhaseAuthenticated, st.Phase)
	assert.Equal(t, "tok1", st.Token)
	assert.Equal(t, "Ana", st.User.DisplayName)

	mu.Lock()
	params = map[string]string{"error": "access_denied"}
	mu.Unlock()
	require.NoError(t, f.manager.SignIn(context.Background()))
	assert.Equal(t, PhaseAuthenticated, f.manager.State().Phase)
	assert.Equal(t, "tok1", f.manager.State().Token)
}

func TestSignIn_ReplacesAndRevokesPreviousToken(t *testing.T) {
	var mu sync.Mutex
	token := "tok1"
	f := newFixture(t, redirect.RedirectorFunc(func(ctx context.Context, authURL, uri string) (redirect.Result, error) {
		mu.Lock()
		tok := token
		mu.Unlock()
		return providerRedirect(map[string]string{"access_token": tok})(ctx, authURL, uri)
	}))
	require.NoError(t, f.manager.SignIn(context.Background()))

	mu.Lock()
	token = "tok2"
	mu.Unlock()
	require.NoError(t, f.manager.SignIn(context.Background()))

	assert.Equal(t, "tok2", f.manager.State().Token)
	assert.Equal(t, []string{"tok1"}, f.twitch.revokedTokens())
}

func TestSignIn_SingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	inner := providerRedirect(map[string]string{"access_token": "tok123"})
	f := newFixture(t, redirect.RedirectorFunc(func(ctx context.Context, authURL, uri string) (redirect.Result, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
		}
		<-release
		return inner(ctx, authURL, uri)
	}))
	sharedBefore := promtest.ToFloat64(signInShared)

	const callers = 5
	errs := make(chan error, callers)
	go func() { errs <- f.manager.SignIn(context.Background()) }()
	<-entered
	assert.True(t, f.manager.IsLoggingIn())

	for range callers - 1 {
		go func() { errs <- f.manager.SignIn(context.Background()) }()
	}
	waitForWaiters(t, f.manager, callers)
	close(release)

	for range callers {
		assert.NoError(t, <-errs)
	}

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.Equal(t, PhaseAuthenticated, f.manager.State().Phase)
	assert.Equal(t, sharedBefore+callers, promtest.ToFloat64(signInShared))
}

func TestSignOut(t *testing.T) {
	f := newFixture(t, providerRedirect(map[string]string{"access_token": "tok123"}))
	require.NoError(t, f.manager.SignIn(context.Background()))
	before := promtest.ToFloat64(signOuts.WithLabelValues("ok"))

	require.NoError(t, f.manager.SignOut(context.Background()))

	st := f.manager.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, st.Token)
	assert.Nil(t, st.User)
	assert.False(t, f.api.HasBearer())
	assert.Equal(t, []string{"tok123"}, f.twitch.revokedTokens())
	assert.Equal(t, before+1, promtest.ToFloat64(signOuts.WithLabelValues("ok")))

	resp, err := f.api.HTTPClient(nil).Get(f.api.URL("echo"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, f.twitch.authHeader())
}

func TestSignOut_RevocationUnreachable(t *testing.T) {
	f := newFixture(t, providerRedirect(map[string]string{"access_token": "tok123"}))
	require.NoError(t, f.manager.SignIn(context.Background()))
	before := promtest.ToFloat64(signOuts.WithLabelValues("failed"))

	f.twitch.Close()

	assert.NoError(t, f.manager.SignOut(context.Background()))
	st := f.manager.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, st.Token)
	assert.Nil(t, st.User)
	assert.False(t, f.api.HasBearer())
	assert.Equal(t, before+1, promtest.ToFloat64(signOuts.WithLabelValues("failed")))
}

func TestSignOut_Idempotent(t *testing.T) {
	f := newFixture(t, providerRedirect(map[string]string{"access_token": "tok123"}))

	var states []State
	unsubscribe := f.manager.Subscribe(func(s State) { states = append(states, s) })
	defer unsubscribe()

	require.NoError(t, f.manager.SignOut(context.Background()))
	require.NoError(t, f.manager.SignOut(context.Background()))

	assert.Empty(t, states)
	assert.Empty(t, f.twitch.revokedTokens())
	assert.Equal(t, PhaseIdle, f.manager.State().Phase)
}

func TestSignOut_CancelsInFlightSignIn(t *testing.T) {
	entered := make(chan struct{})
	f := newFixture(t, redirect.RedirectorFunc(func(ctx context.Context, _, _ string) (redirect.Result, error) {
		close(entered)
		<-ctx.Done()
		return redirect.Result{Type: redirect.ResultDismiss}, nil
	}))

	done := make(chan error, 1)
	go func() { done <- f.manager.SignIn(context.Background()) }()
	<-entered

	require.NoError(t, f.manager.SignOut(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sign-in was not cancelled")
	}
	assert.Equal(t, PhaseIdle, f.manager.State().Phase)
}

func TestSignOut_CancelsSignInDuringProfileFetch(t *testing.T) {
	provider := &testutil.MockProvider{}
	redirector := &testutil.MockRedirector{}
	fetching := make(chan struct{})

	provider.On("AuthorizationRequest").Return(&idp.AuthorizationRequest{URL: "u", Nonce: "n", RedirectURI: "r"}, nil)
	redirector.On("Redirect", mock.Anything, "u", "r").Return(redirect.Result{Type: redirect.ResultSuccess}, nil)
	provider.On("ParseRedirect", mock.Anything, "n").Return(idp.Response{Kind: idp.ResponseSuccess, AccessToken: "tok"})
	provider.On("FetchProfile", mock.Anything, "tok").Run(func(args mock.Arguments) {
		close(fetching)
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, idp.ErrProfileUnavailable)

	api := apiclient.New("https://api.example", "c")
	m := NewManager(provider, redirector, api)
	deniedBefore := promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeDenied))
	fetchBefore := promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeFetch))

	done := make(chan error, 1)
	go func() { done <- m.SignIn(context.Background()) }()
	<-fetching

	require.NoError(t, m.SignOut(context.Background()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sign-in was not cancelled")
	}
	assert.Equal(t, PhaseIdle, m.State().Phase)
	assert.False(t, api.HasBearer())
	assert.Equal(t, deniedBefore+1, promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeDenied)))
	assert.Equal(t, fetchBefore, promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeFetch)))
	provider.AssertNotCalled(t, "RevokeToken", mock.Anything, mock.Anything)
}

func TestSignOut_RevokePanicStillClears(t *testing.T) {
	provider := &testutil.MockProvider{}
	redirector := &testutil.MockRedirector{}
	api := apiclient.New("https://api.example", "test-client")

	profile := &idp.Profile{ID: 7, DisplayName: "Bo"}
	provider.On("AuthorizationRequest").Return(&idp.AuthorizationRequest{
		URL: "https://id.example/authorize?state=n1", Nonce: "n1", RedirectURI: "http://localhost:3000/callback",
	}, nil)
	redirector.On("Redirect", mock.Anything, "https://id.example/authorize?state=n1", "http://localhost:3000/callback").
		Return(redirect.Result{Type: redirect.ResultSuccess, Params: map[string]string{"access_token": "tok", "state": "n1"}}, nil)
	provider.On("ParseRedirect", mock.Anything, "n1").Return(idp.Response{Kind: idp.ResponseSuccess, AccessToken: "tok"})
	provider.On("FetchProfile", mock.Anything, "tok").Return(profile, nil)
	provider.On("RevokeToken", mock.Anything, "tok").Run(func(mock.Arguments) {
		panic("boom")
	}).Return(nil)

	m := NewManager(provider, redirector, api)
	require.NoError(t, m.SignIn(context.Background()))
	assert.True(t, api.HasBearer())

	assert.NotPanics(t, func() {
		assert.NoError(t, m.SignOut(context.Background()))
	})
	assert.Equal(t, PhaseIdle, m.State().Phase)
	assert.False(t, api.HasBearer())

	provider.AssertExpectations(t)
	redirector.AssertExpectations(t)
}

func TestSignIn_AuthorizationRequestError(t *testing.T) {
	provider := &testutil.MockProvider{}
	redirector := &testutil.MockRedirector{}
	provider.On("AuthorizationRequest").Return(nil, errors.New("entropy exhausted"))

	m := NewManager(provider, redirector, apiclient.New("https://api.example", "c"))
	err := m.SignIn(context.Background())

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, KindProtocol, authErr.Kind)
	assert.Equal(t, PhaseIdle, m.State().Phase)
	redirector.AssertNotCalled(t, "Redirect", mock.Anything, mock.Anything, mock.Anything)
}

func TestSignIn_FetchUsesIssuedTokenOnly(t *testing.T) {
	provider := &testutil.MockProvider{}
	redirector := &testutil.MockRedirector{}
	api := apiclient.New("https://api.example", "c")

	provider.On("AuthorizationRequest").Return(&idp.AuthorizationRequest{URL: "u", Nonce: "n", RedirectURI: "r"}, nil)
	redirector.On("Redirect", mock.Anything, "u", "r").Return(redirect.Result{Type: redirect.ResultSuccess}, nil)
	provider.On("ParseRedirect", mock.Anything, "n").Return(idp.Response{Kind: idp.ResponseSuccess, AccessToken: "issued"})
	provider.On("FetchProfile", mock.Anything, "issued").Return(nil, idp.ErrProfileUnavailable)

	m := NewManager(provider, redirector, api)
	err := m.SignIn(context.Background())
	assert.ErrorIs(t, err, idp.ErrProfileUnavailable)
	assert.False(t, api.HasBearer())
	provider.AssertNotCalled(t, "RevokeToken", mock.Anything, mock.Anything)
}

func TestSubscribe_Transitions(t *testing.T) {
	f := newFixture(t, providerRedirect(map[string]string{"access_token": "tok123"}))

	var phases []Phase
	unsubscribe := f.manager.Subscribe(func(s State) { phases = append(phases, s.Phase) })

	require.NoError(t, f.manager.SignIn(context.Background()))
	require.NoError(t, f.manager.SignOut(context.Background()))

	assert.Equal(t, []Phase{
		PhaseAuthorizingIn,
		PhaseAuthenticated,
		PhaseAuthorizingOut,
		PhaseIdle,
	}, phases)

	unsubscribe()
	unsubscribe()
	require.NoError(t, f.manager.SignIn(context.Background()))
	assert.Len(t, phases, 4)
}

func TestSubscribe_NeverSeesHalfSession(t *testing.T) {
	f := newFixture(t, providerRedirect(map[string]string{"access_token": "tok123"}))

	f.manager.Subscribe(func(s State) {
		assert.Equal(t, s.Token == "", s.User == nil, "token and user must change together: %+v", s)
	})

	require.NoError(t, f.manager.SignIn(context.Background()))
	require.NoError(t, f.manager.SignOut(context.Background()))
}

func TestWithStore(t *testing.T) {
	store := NewStore()
	var seen int
	store.Subscribe(func(State) { seen++ })

	f := newFixture(t, nil)
	m := NewManager(nil, providerRedirect(nil), f.api, WithStore(store))
	assert.Same(t, store, m.store)

	store.setPhase(PhaseAuthorizingIn)
	assert.Equal(t, 1, seen)
	assert.True(t, m.IsLoggingIn())
}

func TestSignIn_JoinedCallerStopsWaitingAtDeadline(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, blockingRedirect(entered, release, map[string]string{"access_token": "tok123"}))

	leader := make(chan error, 1)
	go func() { leader <- f.manager.SignIn(context.Background()) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.NoError(t, f.manager.SignIn(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)

	// The shared attempt is still running for the first caller.
	assert.True(t, f.manager.IsLoggingIn())

	close(release)
	assert.NoError(t, <-leader)
	assert.Equal(t, PhaseAuthenticated, f.manager.State().Phase)
}

func TestSignIn_FirstCallerCancelKeepsAttemptForOthers(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, blockingRedirect(entered, release, map[string]string{"access_token": "tok123"}))

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() { leader <- f.manager.SignIn(leaderCtx) }()
	<-entered

	follower := make(chan error, 1)
	go func() { follower <- f.manager.SignIn(context.Background()) }()
	waitForWaiters(t, f.manager, 2)

	cancelLeader()
	assert.NoError(t, <-leader)
	assert.True(t, f.manager.IsLoggingIn())

	close(release)
	assert.NoError(t, <-follower)
	st := f.manager.State()
	assert.Equal(t, PhaseAuthenticated, st.Phase)
	assert.Equal(t, "tok123", st.Token)
}

func TestSignIn_LastCallerLeavingCancelsAttempt(t *testing.T) {
	entered := make(chan struct{})
	f := newFixture(t, blockingRedirect(entered, make(chan struct{}), nil))
	before := promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeDenied))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.manager.SignIn(ctx) }()
	<-entered
	cancel()

	assert.NoError(t, <-done)
	// SignIn returned only after the abandoned attempt settled.
	assert.Equal(t, PhaseIdle, f.manager.State().Phase)
	assert.Equal(t, before+1, promtest.ToFloat64(signInOutcomes.WithLabelValues(outcomeDenied)))
}

func TestSubscribe_ListenerCanReadManagerState(t *testing.T) {
	f := newFixture(t, providerRedirect(map[string]string{"access_token": "tok123"}))

	var loggingIn []bool
	var users []bool
	f.manager.Subscribe(func(State) {
		loggingIn = append(loggingIn, f.manager.IsLoggingIn())
		users = append(users, f.manager.User() != nil)
	})

	require.NoError(t, f.manager.SignIn(context.Background()))
	require.NoError(t, f.manager.SignOut(context.Background()))

	assert.Equal(t, []bool{true, false, false, false}, loggingIn)
	assert.Equal(t, []bool{false, true, true, false}, users)
}
