// Package session holds the authentication state machine: the observable
// session store and the Manager that drives sign-in and sign-out.
package session

import (
	"fmt"
	"sync"

	"github.com/dgellow/twitch-session/internal/idp"
)

// Phase is where the session is in its lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAuthorizingIn
	PhaseAuthenticated
	PhaseAuthorizingOut
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAuthorizingIn:
		return "authorizing_in"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseAuthorizingOut:
		return "authorizing_out"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is an immutable snapshot of the session. Token and User are both
// set or both empty. User must not be modified.
type State struct {
	Phase Phase
	Token string
	User  *idp.Profile
}

// Authenticated reports whether a token and user are present.
func (s State) Authenticated() bool {
	return s.Token != "" && s.User != nil
}

// IsLoggingIn reports whether a sign-in attempt is outstanding.
func (s State) IsLoggingIn() bool {
	return s.Phase == PhaseAuthorizingIn
}

// IsLoggingOut reports whether a sign-out is in progress.
func (s State) IsLoggingOut() bool {
	return s.Phase == PhaseAuthorizingOut
}

// Store is the single source of truth for the session. Only the Manager
// mutates it; everyone else reads snapshots or subscribes.
type Store struct {
	mu        sync.RWMutex
	state     State
	listeners []listener
	nextID    uint64
}

type listener struct {
	id uint64
	fn func(State)
}

// NewStore returns an idle store.
func NewStore() *Store {
	return &Store{}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn to be called with every new state, in subscription
// order, after the transition is applied. The returned func unsubscribes.
//
// fn runs synchronously on the goroutine making the transition, which for a
// Manager is inside SignIn or SignOut. It may read state but must not call
// SignIn or SignOut itself; hand such work to another goroutine.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// update applies fn under the lock and notifies listeners outside it.
func (s *Store) update(fn func(*State)) State {
	s.mu.Lock()
	fn(&s.state)
	next := s.state
	listeners := append([]listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.fn(next)
	}
	return next
}

func (s *Store) setPhase(p Phase) {
	s.update(func(st *State) { st.Phase = p })
}

// commit stores token and user together and marks the session
// authenticated.
func (s *Store) commit(token string, user *idp.Profile) {
	u := *user
	s.update(func(st *State) {
		st.Token = token
		st.User = &u
		st.Phase = PhaseAuthenticated
	})
}

// clear drops token and user together and returns to idle.
func (s *Store) clear() {
	s.update(func(st *State) {
		st.Token = ""
		st.User = nil
		st.Phase = PhaseIdle
	})
}

// settle ends a pending phase without changing credentials: authenticated
// if a session is still present, idle otherwise.
func (s *Store) settle() {
	s.update(func(st *State) {
		if st.Token != "" && st.User != nil {
			st.Phase = PhaseAuthenticated
			return
		}
		st.Token = ""
		st.User = nil
		st.Phase = PhaseIdle
	})
}
