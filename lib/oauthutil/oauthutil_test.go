package oauthutil

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestPutGetToken(t *testing.T) {
	m := config.Simple{}
	in := &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "bearer",
		Expiry:       time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, PutToken("test", m, in))
	out, err := GetToken("test", m)
	require.NoError(t, err)
	assert.Equal(t, in.AccessToken, out.AccessToken)
	assert.Equal(t, in.RefreshToken, out.RefreshToken)
	assert.True(t, in.Expiry.Equal(out.Expiry))
}

func TestGetTokenMissing(t *testing.T) {
	_, err := GetToken("test", config.Simple{})
	require.ErrorIs(t, err, ErrTokenAbsent)
	assert.Contains(t, err.Error(), "empty token")
}

func TestGetTokenCorrupt(t *testing.T) {
	_, err := GetToken("test", config.Simple{ConfigToken: "{corrupt"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTokenAbsent)
}

func TestAuthorizeJoin(t *testing.T) {
	a := NewAuthorizer("test", &Options{
		OAuth2Config: &oauth2.Config{
			ClientID:    "id",
			RedirectURL: RedirectURL,
			Endpoint:    oauth2.Endpoint{AuthURL: "http://127.0.0.1:1/unreachable"},
		},
	})
	m := config.Simple{}

	// All callers share one attempt and one listener. A second bind of
	// the port would fail the whole flow with "address already in use".
	const callers = 4
	var started sync.WaitGroup
	started.Add(callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			started.Done()
			_, err := a.Authorize(context.Background(), m)
			errs <- err
		}()
	}
	started.Wait()

	// Wait for the shared listener to come up, then deny the attempt
	// through it the way the provider's redirect would.
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", bindAddress, time.Second)
		if err == nil {
			_ = conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("auth server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + bindAddress + "/authorize?error=access_denied")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.Contains(t, err.Error(), "access_denied")
		case <-time.After(5 * time.Second):
			t.Fatal("caller did not observe the shared outcome")
		}
	}

	a.mu.Lock()
	assert.Nil(t, a.inflight)
	a.mu.Unlock()
	_, ok := m.Get(ConfigToken)
	assert.False(t, ok)
}

func TestParseCode(t *testing.T) {
	s := newAuthServer("STATE", false)

	res := s.parseCode(url.Values{"state": {"STATE"}, "code": {"CODE"}})
	require.NoError(t, res.err)
	assert.Equal(t, "CODE", res.code)

	res = s.parseCode(url.Values{"state": {"WRONG"}, "code": {"CODE"}})
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "state did not match")

	res = s.parseCode(url.Values{"error": {"access_denied"}, "error_description": {"user said no"}})
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "access_denied: user said no")
}

func TestParseImplicit(t *testing.T) {
	s := newAuthServer("STATE", true)

	res := s.parseImplicit(url.Values{
		"state":        {"STATE"},
		"access_token": {"TOKEN"},
		"token_type":   {"bearer"},
		"expires_in":   {"3600"},
	})
	require.NoError(t, res.err)
	require.NotNil(t, res.token)
	assert.Equal(t, "TOKEN", res.token.AccessToken)
	assert.Equal(t, "bearer", res.token.TokenType)
	assert.False(t, res.token.Expiry.IsZero())

	res = s.parseImplicit(url.Values{"state": {"STATE"}})
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "no access token")
}

func TestImplicitAuthURL(t *testing.T) {
	c := &oauth2.Config{
		ClientID:    "id",
		RedirectURL: RedirectURL,
		Endpoint:    oauth2.Endpoint{AuthURL: "https://example.com/oauth2/authorize"},
	}
	u, err := url.Parse(implicitAuthURL(c, "STATE"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "token", q.Get("response_type"))
	assert.Equal(t, "id", q.Get("client_id"))
	assert.Equal(t, RedirectURL, q.Get("redirect_uri"))
	assert.Equal(t, "STATE", q.Get("state"))
}
