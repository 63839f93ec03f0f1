package callback

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort grabs an ephemeral port and releases it for the callback server.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestWaitDeliversCodeAndState(t *testing.T) {
	port := freePort(t)
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := Wait(context.Background(), redirectURI, zerolog.Nop())
		done <- outcome{res, err}
	}()

	// Hit the callback the way the provider redirect would, retrying until
	// the listener is up.
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(redirectURI + "?code=auth-code-7&state=state-7")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "Authorization received"))

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "auth-code-7", got.res.Code)
	assert.Equal(t, "state-7", got.res.State)
}

func TestWaitProviderError(t *testing.T) {
	port := freePort(t)
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	done := make(chan error, 1)
	go func() {
		_, err := Wait(context.Background(), redirectURI, zerolog.Nop())
		done <- err
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(redirectURI + "?error=access_denied&error_description=user+said+no")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	resp.Body.Close()

	waitErr := <-done
	require.Error(t, waitErr)
	assert.Contains(t, waitErr.Error(), "access_denied")
	assert.Contains(t, waitErr.Error(), "user said no")
}

func TestWaitCancelled(t *testing.T) {
	port := freePort(t)
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Wait(ctx, redirectURI, zerolog.Nop())
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}

func TestWaitBadRedirectURI(t *testing.T) {
	_, err := Wait(context.Background(), "://not-a-uri", zerolog.Nop())
	require.Error(t, err)
}
