// Package redirect drives the browser-mediated part of the authorization
// flow: sending the user to the provider and capturing where the provider
// sends them back.
package redirect

import (
	"context"
	"fmt"
	"io"
	"os"
)

// ResultType is the outcome of one redirect interaction.
type ResultType string

const (
	// ResultSuccess means the provider redirected back; Params holds what it returned.
	ResultSuccess ResultType = "success"
	// ResultCancel means the user aborted the interaction.
	ResultCancel ResultType = "cancel"
	// ResultDismiss means the wait ended without a redirect (context done, timeout).
	ResultDismiss ResultType = "dismiss"
	// ResultError means the interaction itself failed.
	ResultError ResultType = "error"
)

// Result is the raw redirect outcome. Params merges query and fragment
// parameters of the callback URL.
type Result struct {
	Type   ResultType
	Params map[string]string
}

// Redirector sends the user to authURL and waits until the provider
// redirects to redirectURI or the interaction ends.
type Redirector interface {
	Redirect(ctx context.Context, authURL, redirectURI string) (Result, error)
}

// RedirectorFunc adapts a function to the Redirector interface.
type RedirectorFunc func(ctx context.Context, authURL, redirectURI string) (Result, error)

// Redirect calls f.
func (f RedirectorFunc) Redirect(ctx context.Context, authURL, redirectURI string) (Result, error) {
	return f(ctx, authURL, redirectURI)
}

// Opener presents the authorization URL to the user, typically by launching
// a browser. It must not block until the redirect happens.
type Opener func(authURL string) error

// PrintOpener writes the URL to w so the user can open it manually.
func PrintOpener(w io.Writer) Opener {
	return func(authURL string) error {
		_, err := fmt.Fprintf(w, "Open the following URL in your browser to sign in:\n\n  %s\n\n", authURL)
		return err
	}
}

// DefaultOpener prints to stderr; stdout may belong to a protocol stream.
var DefaultOpener = PrintOpener(os.Stderr)
