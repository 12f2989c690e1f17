// Package apiclient is the shared HTTP client for the provider's REST API.
//
// Instead of mutable default headers, every request passes through a
// transport that injects the static Client-Id header and the bearer token
// currently bound to the session.
package apiclient

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgellow/twitch-session/internal/log"
)

// ClientIDHeader carries the OAuth client id on every API request.
const ClientIDHeader = "Client-Id"

// Client is safe for concurrent use.
type Client struct {
	baseURL  string
	clientID string
	bearer   atomic.Pointer[string]
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseTransport sets the transport beneath the header injection.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http.Transport = &headerTransport{base: rt, client: c}
	}
}

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// New creates a client for baseURL. The client id is fixed for the life of
// the Client; construct one per process.
func New(baseURL, clientID string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	c.http.Transport = &headerTransport{base: http.DefaultTransport, client: c}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientID returns the static client id sent with every request.
func (c *Client) ClientID() string {
	return c.clientID
}

// SetBearer binds token to all subsequent requests.
func (c *Client) SetBearer(token string) {
	if token == "" {
		c.bearer.Store(nil)
		return
	}
	c.bearer.Store(&token)
}

// ClearBearer removes the bound token.
func (c *Client) ClearBearer() {
	c.bearer.Store(nil)
}

// HasBearer reports whether a token is bound.
func (c *Client) HasBearer() bool {
	return c.bearer.Load() != nil
}

// HTTPClient returns a client with the same transport and timeout, wrapping
// the transport with wrap when non-nil (e.g. with oauth2.Transport to present
// a token that is not bound yet).
func (c *Client) HTTPClient(wrap func(http.RoundTripper) http.RoundTripper) *http.Client {
	rt := c.http.Transport
	if wrap != nil {
		rt = wrap(rt)
	}
	return &http.Client{Transport: rt, Timeout: c.http.Timeout}
}

// URL joins path onto the base URL.
func (c *Client) URL(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

type headerTransport struct {
	base   http.RoundTripper
	client *Client
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	if t.client.clientID != "" {
		out.Header.Set(ClientIDHeader, t.client.clientID)
	}
	// An Authorization header set by an outer transport wins over the
	// session-bound token.
	if out.Header.Get("Authorization") == "" {
		if tok := t.client.bearer.Load(); tok != nil {
			out.Header.Set("Authorization", "Bearer "+*tok)
		}
	}

	resp, err := t.base.RoundTrip(out)
	fields := map[string]any{
		"method": out.Method,
		"path":   out.URL.Path,
	}
	if err != nil {
		fields["error"] = err.Error()
	} else {
		fields["status"] = resp.StatusCode
	}
	log.LogTraceWithFields("apiclient", "API request", fields)
	return resp, err
}
