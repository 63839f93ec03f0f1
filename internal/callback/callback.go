// Package callback catches the browser redirect that completes an
// interactive authorization: a one-shot loopback HTTP server on the
// profile's redirect URI. It replaces the old "copy the code out of the
// broken localhost URL by hand" step.
package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Result is what the provider redirect delivered.
type Result struct {
	Code  string
	State string
}

const doneBody = `<!doctype html>
<html><body style="font-family: sans-serif; text-align: center; padding-top: 4em">
<h2>Authorization received</h2>
<p>You can close this tab and return to the terminal.</p>
</body></html>`

const errBody = `<!doctype html>
<html><body style="font-family: sans-serif; text-align: center; padding-top: 4em">
<h2>Authorization failed</h2>
<p>%s</p>
</body></html>`

// Wait serves the redirect URI until one callback arrives or ctx is
// cancelled. The authorization code itself expires provider-side within
// minutes, so no extra timeout is layered on top of ctx.
func Wait(ctx context.Context, redirectURI string, logger zerolog.Logger) (*Result, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect URI: %w", err)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	resultCh := make(chan *Result, 1)
	errCh := make(chan error, 1)

	r := chi.NewRouter()
	r.Get(path, func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			desc := q.Get("error_description")
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprintf(w, errBody, errCode)
			select {
			case errCh <- fmt.Errorf("provider returned %s: %s", errCode, desc):
			default:
			}
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, doneBody)
		select {
		case resultCh <- &Result{Code: q.Get("code"), State: q.Get("state")}:
		default:
		}
	})

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", u.Host, err)
	}
	srv := &http.Server{Handler: r}
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case errCh <- serveErr:
			default:
			}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", u.Host).Str("path", path).Msg("👂 waiting for authorization callback")

	select {
	case res := <-resultCh:
		return res, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
