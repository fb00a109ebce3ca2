package librus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"unicode/utf8"

	logx "librusbot/pkg/logx"
)

var reCSRF = regexp.MustCompile(`<meta name="csrf-token" content="([^"]*)">`)

// session holds the credentials and the current bearer token.
// The token is empty only before the first successful login.
type session struct {
	mu          sync.RWMutex
	bearer      string
	login       string // synergia login handle, used by the fresh-token endpoint
	appUsername string
	appPassword string
}

func (s *session) token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bearer
}

func (s *session) snapshot() (login, username, password string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.login, s.appUsername, s.appPassword
}

// Authenticated reports whether a bearer token has been obtained.
func (c *Client) Authenticated() bool { return c.sess.token() != "" }

// Login authenticates with the mobile-app account credentials (not the Synergia
// login). It must succeed before any other call.
func (c *Client) Login(ctx context.Context, username, password string) error {
	const op = "login"
	if utf8.RuneCountInString(username) < 2 || utf8.RuneCountInString(password) < 2 {
		return newError(KindValidation, op, "username and password must be at least 2 characters")
	}

	// 1. CSRF token from the landing page <meta> tag.
	page, err := c.portal(ctx, http.MethodGet, "/", nil, nil, c.follow)
	if err != nil {
		return err
	}
	m := reCSRF.FindSubmatch(page.Body)
	if m == nil {
		return statusError(KindAuth, op, "no csrf-token meta tag on portal landing page", page.Status, page.Body)
	}
	csrf := string(m[1])

	// 2. Credentials. The response only sets cookies (kept by the jar).
	body, _ := json.Marshal(map[string]string{"email": username, "password": password})
	res, err := c.portal(ctx, http.MethodPost, "/konto-librus/login/action", body, http.Header{
		"Content-Type": {"application/json"},
		"X-CSRF-TOKEN": {csrf},
	}, c.follow)
	if err != nil {
		return err
	}
	if !res.OK() {
		return statusError(KindAuth, op, "login action rejected", res.Status, res.Body)
	}

	// 3. Account list carries the bearer token and the synergia login.
	res, err = c.portal(ctx, http.MethodGet, "/api/v3/SynergiaAccounts", nil, nil, c.follow)
	if err != nil {
		return err
	}
	if !res.OK() {
		return statusError(KindAuth, op, "SynergiaAccounts request failed", res.Status, res.Body)
	}
	var accounts synergiaAccounts
	if err := json.Unmarshal(res.Body, &accounts); err != nil {
		return &Error{Kind: KindAuth, Op: op, Msg: "SynergiaAccounts body is not valid JSON", Status: res.Status, Body: truncateBody(res.Body), Err: err}
	}
	if len(accounts.Accounts) == 0 {
		return statusError(KindAuth, op, "SynergiaAccounts returned no accounts", res.Status, res.Body)
	}
	acc := accounts.Accounts[0]
	if acc.AccessToken == "" {
		return statusError(KindAuth, op, "SynergiaAccounts returned no accessToken", res.Status, res.Body)
	}
	if acc.Login == "" {
		return statusError(KindAuth, op, "SynergiaAccounts returned no login", res.Status, res.Body)
	}

	c.sess.mu.Lock()
	c.sess.bearer = acc.AccessToken
	c.sess.login = acc.Login
	c.sess.appUsername = username
	c.sess.appPassword = password
	c.sess.mu.Unlock()

	c.log.Info("login ok", logx.String("account", acc.Login))
	return nil
}

// RefreshToken obtains a new bearer token using the session cookies. Stored
// credentials are left untouched.
func (c *Client) RefreshToken(ctx context.Context) error {
	const op = "refresh token"
	login, _, _ := c.sess.snapshot()
	if login == "" {
		return newError(KindAuth, op, "not logged in")
	}

	res, err := c.portal(ctx, http.MethodGet, "/api/v3/SynergiaAccounts/fresh/"+url.PathEscape(login), nil, nil, c.noFollow)
	if err != nil {
		return err
	}
	var fresh synergiaAccount
	if err := json.Unmarshal(res.Body, &fresh); err != nil {
		return &Error{Kind: KindAuth, Op: op, Msg: "body is not valid JSON", Status: res.Status, Body: truncateBody(res.Body), Err: err}
	}
	if !res.OK() {
		return statusError(KindAuth, op, "fresh token request failed", res.Status, res.Body)
	}
	if fresh.AccessToken == "" {
		return statusError(KindAuth, op, "response has no accessToken", res.Status, res.Body)
	}

	c.sess.mu.Lock()
	c.sess.bearer = fresh.AccessToken
	c.sess.mu.Unlock()

	c.log.Debug("token refreshed")
	return nil
}

// reauthenticate refreshes the token and falls back to a full login with the
// stored credentials.
func (c *Client) reauthenticate(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	rerr := c.RefreshToken(ctx)
	if rerr == nil {
		return nil
	}
	if isCanceled(rerr) {
		return rerr
	}
	c.log.Warn("token refresh failed; retrying full login", logx.Err(rerr))

	_, username, password := c.sess.snapshot()
	if err := c.Login(ctx, username, password); err != nil {
		return err
	}
	return nil
}

// portal issues a request against the portal host. These calls never carry the
// bearer token; the portal authenticates via cookies.
func (c *Client) portal(ctx context.Context, method, path string, body []byte, header http.Header, hc *http.Client) (*Response, error) {
	op := method + " portal" + path
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, c.portalURL+path, rd)
	if err != nil {
		return nil, newError(KindValidation, op, err.Error())
	}
	hr.Header.Set("User-Agent", c.userAgent)
	for k, vs := range header {
		hr.Header.Del(k)
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	c.log.Trace("portal request", logx.String("method", method), logx.String("path", path))
	return c.roundTrip(hc, hr, op)
}
