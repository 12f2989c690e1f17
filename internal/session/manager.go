package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/twitch-session/internal/apiclient"
	"github.com/dgellow/twitch-session/internal/idp"
	"github.com/dgellow/twitch-session/internal/log"
	"github.com/dgellow/twitch-session/internal/redirect"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultRevokeTimeout bounds the best-effort revocation call on sign-out.
const DefaultRevokeTimeout = 10 * time.Second

const signInKey = "sign-in"

// Manager drives the sign-in and sign-out flows and owns every session
// transition. It is safe for concurrent use: concurrent SignIn calls share
// one attempt, and SignIn and SignOut never interleave.
type Manager struct {
	provider      idp.Provider
	redirector    redirect.Redirector
	api           *apiclient.Client
	store         *Store
	revokeTimeout time.Duration

	opMu    sync.Mutex         // serializes whole sign-in and sign-out operations
	signIns singleflight.Group // deduplicates concurrent SignIn callers

	flightMu sync.Mutex
	flight   *flight
}

// flight is the manager-owned context of one shared sign-in attempt. It is
// cancelled by SignOut, or once every caller waiting on it has given up.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore uses an existing store, e.g. one already subscribed to.
func WithStore(s *Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithRevokeTimeout overrides DefaultRevokeTimeout.
func WithRevokeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.revokeTimeout = d
	}
}

// NewManager wires the flow. api is the shared API client; the session's
// token is bound to it on sign-in and removed on sign-out.
func NewManager(provider idp.Provider, redirector redirect.Redirector, api *apiclient.Client, opts ...Option) *Manager {
	m := &Manager{
		provider:      provider,
		redirector:    redirector,
		api:           api,
		store:         NewStore(),
		revokeTimeout: DefaultRevokeTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current session snapshot.
func (m *Manager) State() State {
	return m.store.Snapshot()
}

// User returns the signed-in user, or nil.
func (m *Manager) User() *idp.Profile {
	return m.store.Snapshot().User
}

// IsLoggingIn reports whether a sign-in attempt is outstanding.
func (m *Manager) IsLoggingIn() bool {
	return m.store.Snapshot().IsLoggingIn()
}

// IsLoggingOut reports whether a sign-out is in progress.
func (m *Manager) IsLoggingOut() bool {
	return m.store.Snapshot().IsLoggingOut()
}

// Subscribe registers fn for every state transition. fn must not call
// SignIn or SignOut; see Store.Subscribe.
func (m *Manager) Subscribe(fn func(State)) func() {
	return m.store.Subscribe(fn)
}

// SignIn runs the implicit-grant flow. A user denial or cancellation
// returns nil with the session unchanged; every other failure returns an
// *AuthError. Callers arriving while an attempt is in flight wait for it and
// receive its result.
//
// The attempt runs on a context owned by the manager. A caller whose ctx
// ends stops waiting and gets nil; the attempt itself is cancelled only when
// no caller is left waiting on it, or by SignOut.
func (m *Manager) SignIn(ctx context.Context) error {
	f, ch := m.joinFlight(ctx)

	select {
	case res := <-ch:
		m.leaveFlight(f)
		if res.Shared {
			signInShared.Inc()
		}
		return res.Err
	case <-ctx.Done():
		if m.leaveFlight(f) {
			// Last one out: the attempt is cancelled, wait for it to settle.
			<-ch
		}
		log.LogDebugWithFields("session", "Stopped waiting for sign-in", map[string]any{
			"reason": ctx.Err().Error(),
		})
		return nil
	}
}

// joinFlight registers the caller on the current flight, starting one if
// needed. Joining and entering the singleflight call happen under flightMu,
// so a caller never joins a flight whose call has already ended.
func (m *Manager) joinFlight(ctx context.Context) (*flight, <-chan singleflight.Result) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	if m.flight == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.flight = &flight{ctx: fctx, cancel: cancel}
	}
	f := m.flight
	f.waiters++
	ch := m.signIns.DoChan(signInKey, func() (any, error) {
		defer m.endFlight(f)
		return nil, m.signIn(f.ctx)
	})
	return f, ch
}

// leaveFlight drops one waiter and reports whether it was the last, in which
// case the flight is cancelled.
func (m *Manager) leaveFlight(f *flight) bool {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return false
	}
	if m.flight == f {
		m.flight = nil
	}
	f.cancel()
	return true
}

func (m *Manager) endFlight(f *flight) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	if m.flight == f {
		m.flight = nil
	}
	f.cancel()
}

func (m *Manager) signIn(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	attempt := uuid.NewString()
	start := time.Now()
	committed := false

	m.store.setPhase(PhaseAuthorizingIn)
	log.LogInfoWithFields("session", "Sign-in started", map[string]any{"attempt": attempt})

	// Runs on every exit path, panics included.
	defer func() {
		signInDuration.Observe(time.Since(start).Seconds())
		if !committed {
			m.store.settle()
		}
	}()

	req, err := m.provider.AuthorizationRequest()
	if err != nil {
		return m.fail(attempt, KindProtocol, fmt.Errorf("failed to build authorization request: %w", err))
	}

	result, err := m.redirector.Redirect(ctx, req.URL, req.RedirectURI)
	if err != nil {
		if ctx.Err() != nil {
			m.denied(attempt, "context done during redirect")
			return nil
		}
		return m.fail(attempt, KindProtocol, fmt.Errorf("redirect failed: %w", err))
	}

	resp := m.provider.ParseRedirect(result, req.Nonce)
	switch resp.Kind {
	case idp.ResponseDenied:
		m.denied(attempt, string(result.Type))
		return nil

	case idp.ResponseSuccess:
		profile, err := m.provider.FetchProfile(ctx, resp.AccessToken)
		if err != nil {
			if ctx.Err() != nil {
				m.denied(attempt, "context done during profile fetch")
				return nil
			}
			return m.fail(attempt, KindFetch, err)
		}

		previous := m.store.Snapshot().Token
		m.api.SetBearer(resp.AccessToken)
		m.store.commit(resp.AccessToken, profile)
		committed = true

		signInOutcomes.WithLabelValues(outcomeSuccess).Inc()
		log.LogInfoWithFields("session", "Sign-in completed", map[string]any{
			"attempt":      attempt,
			"user_id":      profile.ID,
			"display_name": profile.DisplayName,
		})

		if previous != "" && previous != resp.AccessToken {
			m.revoke(ctx, attempt, previous)
		}
		return nil

	default:
		kind := KindProtocol
		if errors.Is(resp.Err, idp.ErrInvalidState) {
			kind = KindForgery
		}
		return m.fail(attempt, kind, resp.Err)
	}
}

// SignOut revokes the token (best effort) and clears the session. It never
// fails; calling it while idle changes nothing. An in-flight sign-in is
// cancelled first.
func (m *Manager) SignOut(ctx context.Context) error {
	m.abortFlight()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	current := m.store.Snapshot()
	if current.Token == "" && current.User == nil {
		log.LogDebugWithFields("session", "Sign-out while idle, nothing to do", nil)
		return nil
	}

	attempt := uuid.NewString()
	m.store.setPhase(PhaseAuthorizingOut)
	log.LogInfoWithFields("session", "Sign-out started", map[string]any{"attempt": attempt})

	// Runs on every exit path, panics in the provider included.
	defer func() {
		m.api.ClearBearer()
		m.store.clear()
		log.LogInfoWithFields("session", "Signed out", map[string]any{"attempt": attempt})
	}()

	if m.revoke(ctx, attempt, current.Token) {
		signOuts.WithLabelValues("ok").Inc()
	} else {
		signOuts.WithLabelValues("failed").Inc()
	}
	return nil
}

// revoke calls the provider and reports success. Failures, panics included,
// are logged and swallowed.
func (m *Manager) revoke(ctx context.Context, attempt, token string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.LogWarnWithFields("session", "Token revocation panicked", map[string]any{
				"attempt": attempt,
				"panic":   fmt.Sprint(r),
			})
			ok = false
		}
	}()

	// Revocation still runs when the caller's context is already done.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.revokeTimeout)
	defer cancel()

	if err := m.provider.RevokeToken(ctx, token); err != nil {
		log.LogWarnWithFields("session", "Token revocation failed", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		return false
	}
	log.LogDebugWithFields("session", "Token revoked", map[string]any{"attempt": attempt})
	return true
}

func (m *Manager) fail(attempt string, kind ErrorKind, cause error) error {
	signInOutcomes.WithLabelValues(kind.outcome()).Inc()
	fields := map[string]any{
		"attempt": attempt,
		"kind":    kind.String(),
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	if kind == KindForgery {
		log.LogWarnWithFields("session", "Sign-in rejected: state mismatch", fields)
	} else {
		log.LogErrorWithFields("session", "Sign-in failed", fields)
	}
	return &AuthError{Kind: kind, Attempt: attempt, Err: cause}
}

func (m *Manager) denied(attempt, reason string) {
	signInOutcomes.WithLabelValues(outcomeDenied).Inc()
	log.LogInfoWithFields("session", "Sign-in cancelled by user", map[string]any{
		"attempt": attempt,
		"reason":  reason,
	})
}

func (m *Manager) abortFlight() {
	m.flightMu.Lock()
	f := m.flight
	m.flightMu.Unlock()
	if f != nil {
		log.LogDebugWithFields("session", "Cancelling in-flight sign-in", nil)
		f.cancel()
	}
}
