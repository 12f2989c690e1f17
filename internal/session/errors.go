package session

import (
	"errors"
	"fmt"
)

// ErrSignInFailed matches every sign-in failure via errors.Is. Callers that
// only need "sign-in failed, retry" check this and nothing else.
var ErrSignInFailed = errors.New("sign-in failed")

// ErrorKind classifies a sign-in failure for logs and metrics.
type ErrorKind int

const (
	// KindProtocol is a malformed or incomplete provider response, or a
	// failure of the redirect interaction itself.
	KindProtocol ErrorKind = iota
	// KindForgery is a state mismatch on redirect. The token is never used.
	KindForgery
	// KindFetch is a failed profile fetch after a token was issued. The
	// token is discarded.
	KindFetch
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindForgery:
		return "forgery"
	case KindFetch:
		return "fetch"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// AuthError is returned by SignIn. It unwraps to both ErrSignInFailed and
// the underlying cause.
type AuthError struct {
	Kind    ErrorKind
	Attempt string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrSignInFailed, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", ErrSignInFailed, e.Kind, e.Err)
}

func (e *AuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSignInFailed}
	}
	return []error{ErrSignInFailed, e.Err}
}
