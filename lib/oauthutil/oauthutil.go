// Package oauthutil implements an OAuth helper for backends which
// need browser based authorization, with token persistence in the
// config file.
package oauthutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/arcticdiv/USBHelperLauncher/lib/random"
	"github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
	"golang.org/x/oauth2"
)

const (
	// bindPort is the port the local redirect server listens on.
	// Registered OAuth apps use this exact redirect URL so it can't
	// be made configurable.
	bindPort    = "53482"
	bindAddress = "127.0.0.1:" + bindPort

	// RedirectURL is the URL the authorization provider sends the
	// browser back to once the user has approved access.
	RedirectURL = "http://" + bindAddress + "/authorize"

	// ConfigToken is the config key used to store the token under.
	ConfigToken = "token"
)

// ErrTokenAbsent means no token is stored in the config yet, as
// opposed to a stored token that can't be read back.
var ErrTokenAbsent = errors.New("empty token found")

// GetToken returns the token saved in the config file under the given
// section mapper.
func GetToken(name string, m config.Mapper) (*oauth2.Token, error) {
	tokenString, ok := m.Get(ConfigToken)
	if !ok || tokenString == "" {
		return nil, fmt.Errorf("%w - please authorize %q first", ErrTokenAbsent, name)
	}
	token := new(oauth2.Token)
	err := json.Unmarshal([]byte(tokenString), token)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// PutToken stores the token in the config file under the given section
// mapper.
func PutToken(name string, m config.Mapper, token *oauth2.Token) error {
	tokenBytes, err := json.Marshal(token)
	if err != nil {
		return err
	}
	tokenString := string(tokenBytes)
	old, _ := m.Get(ConfigToken)
	if tokenString != old {
		m.Set(ConfigToken, tokenString)
		logrus.Debugf("%s: saved new token in config file", name)
	}
	return nil
}

// TokenSource stores updated tokens in the config file.
type TokenSource struct {
	mu          sync.Mutex
	name        string
	m           config.Mapper
	tokenSource oauth2.TokenSource
	token       *oauth2.Token
	config      *oauth2.Config
	ctx         context.Context
}

// Token returns a token or an error. Token must be safe for concurrent
// use by multiple goroutines. The returned Token must not be modified.
//
// Refreshed tokens are saved back to the config file.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token.Valid() {
		return ts.token, nil
	}
	if ts.token.RefreshToken == "" {
		return nil, fmt.Errorf("token expired and there's no refresh token - manually authorize %q again", ts.name)
	}
	if ts.tokenSource == nil {
		ts.tokenSource = ts.config.TokenSource(ts.ctx, ts.token)
	}
	token, err := ts.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("couldn't fetch token: %w", err)
	}
	changed := token.AccessToken != ts.token.AccessToken || token.RefreshToken != ts.token.RefreshToken || !token.Expiry.Equal(ts.token.Expiry)
	ts.token = token
	if changed {
		err = PutToken(ts.name, ts.m, token)
		if err != nil {
			return nil, fmt.Errorf("couldn't store token: %w", err)
		}
	}
	return ts.token, nil
}

// Invalidate invalidates the token so the next call to Token will
// refresh it.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token.AccessToken = ""
	ts.mu.Unlock()
}

// Context returns a context with our HTTP Client baked in for OAuth2.
func Context(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// NewClient gets a token from the config file and configures a Client
// with it. It returns the client and a TokenSource which
// Invalidate may need to be called on.
func NewClient(ctx context.Context, name string, m config.Mapper, oauthConfig *oauth2.Config) (*http.Client, *TokenSource, error) {
	token, err := GetToken(name, m)
	if err != nil {
		return nil, nil, err
	}
	ts := &TokenSource{
		name:   name,
		m:      m,
		token:  token,
		config: oauthConfig,
		ctx:    ctx,
	}
	return oauth2.NewClient(ctx, ts), ts, nil
}

// Options for the browser based authorization flow.
type Options struct {
	OAuth2Config *oauth2.Config // the oauth config with endpoint, scopes and redirect URL filled in
	Implicit     bool           // use the implicit grant, receiving the token in the URL fragment
	NoOffline    bool           // don't request the offline access type (no refresh token)
}

type authAttempt struct {
	done  chan struct{}
	token *oauth2.Token
	err   error
}

// Authorizer runs the browser based authorization flow for a backend.
//
// Concurrent calls to Authorize join the attempt already in flight
// instead of opening a second browser window.
type Authorizer struct {
	name string
	opt  *Options

	mu       sync.Mutex
	inflight *authAttempt
}

// NewAuthorizer creates an Authorizer for the named backend.
func NewAuthorizer(name string, opt *Options) *Authorizer {
	return &Authorizer{
		name: name,
		opt:  opt,
	}
}

// Authorize opens the user's browser on the provider's consent page,
// waits for the redirect to the local server and persists the
// resulting token with m. If an authorization is already in progress
// the call waits for its outcome instead of starting another one.
func (a *Authorizer) Authorize(ctx context.Context, m config.Mapper) (*oauth2.Token, error) {
	a.mu.Lock()
	attempt := a.inflight
	if attempt == nil {
		attempt = &authAttempt{done: make(chan struct{})}
		a.inflight = attempt
		go func() {
			// The flow is driven by the user in their browser, so it
			// must not die with the first caller's context.
			token, err := a.run(context.Background(), m)
			a.mu.Lock()
			a.inflight = nil
			a.mu.Unlock()
			attempt.token, attempt.err = token, err
			close(attempt.done)
		}()
	}
	a.mu.Unlock()

	select {
	case <-attempt.done:
		return attempt.token, attempt.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Authorizer) run(ctx context.Context, m config.Mapper) (*oauth2.Token, error) {
	state, err := random.Password(128)
	if err != nil {
		return nil, fmt.Errorf("failed to create random state: %w", err)
	}

	oauthConfig := a.opt.OAuth2Config
	var authURL string
	if a.opt.Implicit {
		authURL = implicitAuthURL(oauthConfig, state)
	} else {
		var opts []oauth2.AuthCodeOption
		if !a.opt.NoOffline {
			opts = append(opts, oauth2.AccessTypeOffline)
		}
		authURL = oauthConfig.AuthCodeURL(state, opts...)
	}

	server := newAuthServer(state, a.opt.Implicit)
	err = server.Init()
	if err != nil {
		return nil, fmt.Errorf("failed to start auth webserver: %w", err)
	}
	go server.Serve()
	defer server.Stop()

	if err := open.Start(authURL); err != nil {
		logrus.Errorf("%s: failed to open browser automatically - %v", a.name, err)
	}
	logrus.Infof("%s: if your browser doesn't open automatically go to the following link: %s", a.name, authURL)
	logrus.Infof("%s: waiting for code...", a.name)

	var auth *authResult
	select {
	case auth = <-server.result:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if auth.err != nil {
		return nil, auth.err
	}

	var token *oauth2.Token
	if a.opt.Implicit {
		token = auth.token
	} else {
		logrus.Infof("%s: got code", a.name)
		token, err = oauthConfig.Exchange(ctx, auth.code)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
	}
	err = PutToken(a.name, m, token)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// implicitAuthURL builds the consent page URL for the implicit grant,
// which oauth2.Config can't produce itself.
func implicitAuthURL(c *oauth2.Config, state string) string {
	v := url.Values{
		"response_type": {"token"},
		"client_id":     {c.ClientID},
		"redirect_uri":  {c.RedirectURL},
		"state":         {state},
	}
	if len(c.Scopes) > 0 {
		v.Set("scope", strings.Join(c.Scopes, " "))
	}
	sep := "?"
	if strings.Contains(c.Endpoint.AuthURL, "?") {
		sep = "&"
	}
	return c.Endpoint.AuthURL + sep + v.Encode()
}

// authResult is the result of a call to the auth webserver.
type authResult struct {
	code  string
	token *oauth2.Token
	err   error
}

// authServer is a local webserver receiving the provider's redirect.
type authServer struct {
	state    string
	implicit bool
	listener net.Listener
	server   *http.Server
	result   chan *authResult
}

// newAuthServer makes the webserver for collecting the auth response.
func newAuthServer(state string, implicit bool) *authServer {
	return &authServer{
		state:    state,
		implicit: implicit,
		result:   make(chan *authResult, 1),
	}
}

// jsRedirectPage forwards the URL fragment (invisible to the server)
// back as a query parameter. The implicit grant delivers the token in
// the fragment, so this hop is required to read it server side.
const jsRedirectPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Authorizing...</title></head>
<body>
<script>
window.location = "/token?fragment=" + encodeURIComponent(window.location.hash.slice(1));
</script>
</body>
</html>
`

func (s *authServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.implicit {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(jsRedirectPage))
		return
	}
	s.finish(w, s.parseCode(r.URL.Query()))
}

func (s *authServer) handleToken(w http.ResponseWriter, r *http.Request) {
	fragment := r.URL.Query().Get("fragment")
	values, err := url.ParseQuery(fragment)
	if err != nil {
		s.finish(w, &authResult{err: fmt.Errorf("invalid response fragment: %w", err)})
		return
	}
	s.finish(w, s.parseImplicit(values))
}

func (s *authServer) parseCode(values url.Values) *authResult {
	if err := values.Get("error"); err != "" {
		desc := values.Get("error_description")
		if desc != "" {
			err += ": " + desc
		}
		return &authResult{err: fmt.Errorf("authorization failed: %s", err)}
	}
	if state := values.Get("state"); state != s.state {
		return &authResult{err: fmt.Errorf("state did not match: expected %q got %q", s.state, state)}
	}
	code := values.Get("code")
	if code == "" {
		return &authResult{err: fmt.Errorf("no code returned by remote server")}
	}
	return &authResult{code: code}
}

func (s *authServer) parseImplicit(values url.Values) *authResult {
	if err := values.Get("error"); err != "" {
		desc := values.Get("error_description")
		if desc != "" {
			err += ": " + desc
		}
		return &authResult{err: fmt.Errorf("authorization failed: %s", err)}
	}
	if state := values.Get("state"); state != s.state {
		return &authResult{err: fmt.Errorf("state did not match: expected %q got %q", s.state, state)}
	}
	accessToken := values.Get("access_token")
	if accessToken == "" {
		return &authResult{err: fmt.Errorf("no access token returned by remote server")}
	}
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   values.Get("token_type"),
	}
	if expiresIn := values.Get("expires_in"); expiresIn != "" {
		var seconds int64
		if _, err := fmt.Sscanf(expiresIn, "%d", &seconds); err == nil && seconds > 0 {
			token.Expiry = time.Now().Add(time.Duration(seconds) * time.Second)
		}
	}
	return &authResult{token: token}
}

func (s *authServer) finish(w http.ResponseWriter, res *authResult) {
	w.Header().Set("Content-Type", "text/html")
	if res.err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "<h1>Failure</h1><p>%s</p>", res.err)
	} else {
		fmt.Fprintf(w, "<h1>Success</h1><p>All done. Please go back to the application.</p>")
	}
	select {
	case s.result <- res:
	default:
	}
}

// Init gets the internal web server ready to receive the response.
func (s *authServer) Init() error {
	logrus.Debugf("auth: starting auth server on %s", bindAddress)
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", s.handleAuthorize)
	if s.implicit {
		mux.HandleFunc("/token", s.handleToken)
	}
	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "", http.StatusNotFound)
	})
	s.server = &http.Server{
		Addr:    bindAddress,
		Handler: mux,
	}
	return nil
}

// Serve the auth server. Returns when it is closed.
func (s *authServer) Serve() {
	err := s.server.Serve(s.listener)
	logrus.Debugf("auth: closed auth server with error: %v", err)
}

// Stop the auth server by closing its socket.
func (s *authServer) Stop() {
	logrus.Debugf("auth: closing auth server")
	_ = s.server.Close()
}
