// Package librus is a client for the (undocumented) Librus mobile API.
//
// The client owns one session: it logs in through the portal, keeps the bearer
// token fresh, and transparently reauthenticates once when a request comes
// back 401. Entity helpers map HTTP statuses onto the Kind taxonomy in errors.go.
package librus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	logx "librusbot/pkg/logx"
)

const (
	DefaultPortalURL = "https://portal.librus.pl"
	DefaultAPIURL    = "https://api.librus.pl/3.0"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/89.0.4389.114 Safari/537.36"

	defaultRequestTimeout = 60 * time.Second
	maxResponseBytes      = 8 << 20
)

// Options configures a Client. Zero values fall back to production defaults.
type Options struct {
	PortalURL string
	APIURL    string
	UserAgent string

	// PushDevice is the change-feed device id. Zero means "not registered yet";
	// call NewPushDevice before reading the feed.
	PushDevice int

	// RatePerSec limits outgoing requests. Zero disables limiting.
	RatePerSec float64

	RequestTimeout time.Duration

	// HTTPClient is used as a template (transport only). Cookie jar and redirect
	// policy are always set by the client.
	HTTPClient *http.Client

	Logger logx.Logger
}

type Client struct {
	portalURL string
	apiURL    string
	userAgent string

	// follow is used for the portal login flow; noFollow for everything else so
	// that redirects surface as non-2xx instead of being silently followed.
	follow   *http.Client
	noFollow *http.Client

	limiter *rate.Limiter
	log     logx.Logger

	sess session

	// authMu serializes reauthentication so concurrent 401s trigger one refresh each,
	// never interleaved login flows.
	authMu sync.Mutex

	pushMu     sync.RWMutex
	pushDevice int

	Users *UserCache
}

// New builds a client. It performs no I/O; call Login before anything else.
func New(opts Options) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	var transport http.RoundTripper
	if opts.HTTPClient != nil {
		transport = opts.HTTPClient.Transport
	}

	c := &Client{
		portalURL:  strings.TrimRight(orDefault(opts.PortalURL, DefaultPortalURL), "/"),
		apiURL:     strings.TrimRight(orDefault(opts.APIURL, DefaultAPIURL), "/"),
		userAgent:  orDefault(opts.UserAgent, DefaultUserAgent),
		follow:     &http.Client{Transport: transport, Jar: jar, Timeout: timeout},
		noFollow:   &http.Client{Transport: transport, Jar: jar, Timeout: timeout},
		log:        opts.Logger,
		pushDevice: opts.PushDevice,
	}
	c.noFollow.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.Users = newUserCache(c)
	return c, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// PushDevice returns the change-feed device id in use.
func (c *Client) PushDevice() int {
	c.pushMu.RLock()
	defer c.pushMu.RUnlock()
	return c.pushDevice
}

func (c *Client) SetPushDevice(id int) {
	c.pushMu.Lock()
	c.pushDevice = id
	c.pushMu.Unlock()
}

// Request describes one API call. Path is relative to the API base unless it is
// an absolute URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Do issues an authenticated request.
//
// A 401 triggers exactly one reauthentication (token refresh, then full login
// with the stored credentials) and one retry. If the retry is not 2xx the call
// fails with KindUpstream. Any other non-2xx response is returned as-is for the
// caller to interpret.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		if !resp.OK() {
			c.log.Debug("request not ok", logx.String("method", req.method()), logx.String("path", req.Path), logx.Int("status", resp.Status))
		}
		return resp, nil
	}

	c.log.Info("request unauthorized; reauthenticating", logx.String("method", req.method()), logx.String("path", req.Path))
	if err := c.reauthenticate(ctx); err != nil {
		return nil, err
	}

	c.log.Debug("retrying request after reauthentication", logx.String("method", req.method()), logx.String("path", req.Path))
	resp, err = c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError(KindUpstream, req.op(), "request failed after reauthentication", resp.Status, resp.Body)
	}
	return resp, nil
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

func (r *Request) op() string {
	p := r.Path
	if i := strings.Index(p, "?"); i >= 0 {
		p = p[:i]
	}
	return r.method() + " " + p
}

func (c *Client) resolve(req *Request) (string, error) {
	raw := req.Path
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = c.apiURL + "/" + strings.TrimPrefix(raw, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", newError(KindValidation, req.op(), "invalid url: "+err.Error())
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// send performs a single round trip with the current token. Never retries.
func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	target, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.method(), target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.op(), err)
	}
	hr.Header.Set("User-Agent", c.userAgent)
	hr.Header.Set("gzip", "true")
	if tok := c.sess.token(); tok != "" {
		hr.Header.Set("Authorization", "Bearer "+tok)
	}
	if req.Body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	// Caller headers win per key.
	for k, vs := range req.Header {
		hr.Header.Del(k)
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}

	c.log.Trace("request", logx.String("method", hr.Method), logx.String("url", target))
	return c.roundTrip(c.noFollow, hr, req.op())
}

func (c *Client) roundTrip(hc *http.Client, hr *http.Request, op string) (*Response, error) {
	res, err := hc.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = res.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	return &Response{Status: res.StatusCode, Header: res.Header, Body: b}, nil
}

// decode checks the soft-error envelope and then unmarshals the body into out.
// The API reports some failures (e.g. FilterInvalidValue) with a 2xx status.
func decode(op string, resp *Response, out any) error {
	var env Envelope
	if err := json.Unmarshal(resp.Body, &env); err == nil {
		if env.Code != "" || strings.EqualFold(env.Status, "error") {
			msg := env.Message
			if msg == "" {
				msg = "error envelope in response"
			}
			return &Error{Kind: KindUpstream, Op: op, Msg: msg, Status: resp.Status, Code: env.Code, Body: truncateBody(resp.Body)}
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &Error{Kind: KindIntegrity, Op: op, Msg: "malformed response body", Status: resp.Status, Body: truncateBody(resp.Body), Err: err}
	}
	return nil
}

// unwrapKey extracts one top-level member of a JSON object response.
func unwrapKey(op string, resp *Response, key string, out any) error {
	var wrap map[string]json.RawMessage
	if err := decode(op, resp, &wrap); err != nil {
		return err
	}
	raw, ok := wrap[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return statusError(KindIntegrity, op, fmt.Sprintf("response has no %q member", key), resp.Status, resp.Body)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindIntegrity, Op: op, Msg: fmt.Sprintf("malformed %q member", key), Status: resp.Status, Body: truncateBody(resp.Body), Err: err}
	}
	return nil
}

// entityStatus maps a non-2xx single-entity response onto the error taxonomy.
func entityStatus(op string, resp *Response) error {
	switch {
	case resp.OK():
		return nil
	case resp.Status == http.StatusNotFound:
		return statusError(KindNotFound, op, "not found", resp.Status, resp.Body)
	case resp.Status == http.StatusForbidden:
		return statusError(KindForbidden, op, "forbidden", resp.Status, resp.Body)
	default:
		return statusError(KindUpstream, op, "unexpected status", resp.Status, resp.Body)
	}
}

// fetchOne GETs path and decodes the member named key into T.
func fetchOne[T any](ctx context.Context, c *Client, path, key string) (T, error) {
	var zero T
	req := &Request{Method: http.MethodGet, Path: path}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return zero, err
	}
	if err := entityStatus(req.op(), resp); err != nil {
		return zero, err
	}
	var v T
	if err := unwrapKey(req.op(), resp, key, &v); err != nil {
		return zero, err
	}
	return v, nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
