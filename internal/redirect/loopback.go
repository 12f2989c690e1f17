package redirect

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dgellow/twitch-session/internal/log"
)

// relayParam marks a callback request produced by the relay page, so an
// empty fragment is not mistaken for a first visit.
const relayParam = "__relay"

// CancelPath aborts a pending interaction when visited.
const CancelPath = "/cancel"

//go:embed templates/relay.html
var relayPageHTML string

//go:embed templates/done.html
var donePageHTML string

var (
	relayPage = template.Must(template.New("relay").Parse(relayPageHTML))
	donePage  = template.Must(template.New("done").Parse(donePageHTML))
)

// LoopbackRedirector receives the provider's redirect on a local HTTP
// listener. Implicit-grant providers return the token in the URL fragment,
// which browsers do not send to servers, so the first hit on the callback
// path serves a page that re-requests the same path with the fragment moved
// into the query string.
type LoopbackRedirector struct {
	addr    string
	timeout time.Duration
	open    Opener
}

// NewLoopbackRedirector listens on addr for each interaction. A zero
// timeout waits until the context is done.
func NewLoopbackRedirector(addr string, timeout time.Duration, open Opener) *LoopbackRedirector {
	if open == nil {
		open = DefaultOpener
	}
	return &LoopbackRedirector{addr: addr, timeout: timeout, open: open}
}

// Redirect implements Redirector. Context cancellation and timeouts yield
// ResultDismiss; only listener or opener failures return an error.
func (l *LoopbackRedirector) Redirect(ctx context.Context, authURL, redirectURI string) (Result, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return Result{Type: ResultError}, fmt.Errorf("invalid redirect URI: %w", err)
	}
	callbackPath := u.Path
	if callbackPath == "" {
		callbackPath = "/"
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return Result{Type: ResultError}, fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	results := make(chan Result, 1)
	var once sync.Once
	deliver := func(r Result) {
		once.Do(func() { results <- r })
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+CancelPath, func(w http.ResponseWriter, r *http.Request) {
		renderDone(w, "Sign-in cancelled", "The sign-in attempt was cancelled.")
		deliver(Result{Type: ResultCancel})
	})
	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != callbackPath {
			http.NotFound(w, r)
			return
		}
		query := r.URL.Query()
		if len(query) == 0 {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if err := relayPage.Execute(w, map[string]string{"RelayParam": relayParam}); err != nil {
				log.LogErrorWithFields("redirect", "Failed to render relay page", map[string]any{"error": err.Error()})
			}
			return
		}
		query.Del(relayParam)

		params := make(map[string]string, len(query))
		for k := range query {
			params[k] = query.Get(k)
		}
		renderDone(w, "Sign-in received", "The provider's response was handed to the application.")
		deliver(Result{Type: ResultSuccess, Params: params})
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogErrorWithFields("redirect", "Loopback listener failed", map[string]any{"error": err.Error()})
			deliver(Result{Type: ResultError})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.LogDebugWithFields("redirect", "Waiting for provider redirect", map[string]any{
		"addr": ln.Addr().String(),
		"path": callbackPath,
	})

	if err := l.open(authURL); err != nil {
		return Result{Type: ResultError}, fmt.Errorf("failed to open authorization URL: %w", err)
	}

	var timeout <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-results:
		if r.Type == ResultError {
			return r, fmt.Errorf("loopback listener stopped before the redirect arrived")
		}
		return r, nil
	case <-ctx.Done():
		log.LogDebugWithFields("redirect", "Redirect wait ended by context", map[string]any{"reason": ctx.Err().Error()})
		return Result{Type: ResultDismiss}, nil
	case <-timeout:
		log.LogWarnWithFields("redirect", "Timed out waiting for provider redirect", map[string]any{"timeout": l.timeout.String()})
		return Result{Type: ResultDismiss}, nil
	}
}

func renderDone(w http.ResponseWriter, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := donePage.Execute(w, map[string]string{"Title": title, "Message": message}); err != nil {
		log.LogErrorWithFields("redirect", "Failed to render page", map[string]any{"error": err.Error()})
	}
}
