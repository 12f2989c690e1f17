package idp

import (
	"fmt"

	"github.com/dgellow/twitch-session/internal/crypto"
	"github.com/dgellow/twitch-session/internal/redirect"
)

// ResponseKind tags a Response.
type ResponseKind int

const (
	ResponseSuccess ResponseKind = iota
	ResponseDenied
	ResponseError
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseSuccess:
		return "success"
	case ResponseDenied:
		return "denied"
	case ResponseError:
		return "error"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int(k))
	}
}

// Response is the interpreted provider redirect. AccessToken is set only for
// ResponseSuccess; Err only for ResponseError.
type Response struct {
	Kind        ResponseKind
	AccessToken string
	Err         error
}

// ErrorAccessDenied is the OAuth error code for a user refusing consent.
const ErrorAccessDenied = "access_denied"

// ParseRedirect implements Provider.
func (p *TwitchProvider) ParseRedirect(result redirect.Result, nonce string) Response {
	return ParseRedirect(result, nonce)
}

// ParseRedirect maps a raw redirect outcome to a Response. The returned
// state is checked before the access token is read.
func ParseRedirect(result redirect.Result, nonce string) Response {
	params := result.Params
	if result.Type != redirect.ResultSuccess || params["error"] == ErrorAccessDenied {
		return Response{Kind: ResponseDenied}
	}

	if !crypto.EqualNonce(nonce, params["state"]) {
		return Response{Kind: ResponseError, Err: ErrInvalidState}
	}

	if code := params["error"]; code != "" {
		if desc := params["error_description"]; desc != "" {
			return Response{Kind: ResponseError, Err: fmt.Errorf("provider returned error %s: %s", code, desc)}
		}
		return Response{Kind: ResponseError, Err: fmt.Errorf("provider returned error %s", code)}
	}

	token := params["access_token"]
	if token == "" {
		return Response{Kind: ResponseError, Err: fmt.Errorf("redirect is missing access_token")}
	}

	return Response{Kind: ResponseSuccess, AccessToken: token}
}
