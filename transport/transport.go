// Package transport is the authenticated HTTP client behind syncstore.
//
// Every logical request is sent at most twice: once with the current access
// credential and, after a single refresh, once more. A failed refresh ends the
// session and clears the stored credential set.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/syncstore"
	"github.com/unkn0wn-root/syncstore/credentials"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxErrorBody = 4096
)

type Config struct {
	// HTTPClient owns timeouts. nil => a client with a 30s timeout.
	HTTPClient *http.Client
	// Credentials persists the access/refresh pair. nil => in-memory.
	Credentials credentials.Store

	// RefreshURL accepts {"refresh": r} and answers {"access": a} and,
	// optionally, a rotated "refresh".
	RefreshURL string
	// TokenURL accepts {"username", "password"} and answers the same shape.
	TokenURL string

	Logger syncstore.Logger
	Hooks  syncstore.Hooks

	// RefreshLeeway refreshes a JWT access credential this long before its
	// exp claim. 0 disables preemptive refresh; opaque tokens are never
	// preempted.
	RefreshLeeway time.Duration
	// MaxErrorBody bounds how much of a non-2xx body is kept. 0 => 4096.
	MaxErrorBody int
	Now          func() time.Time
}

// Client implements syncstore.Transport.
type Client struct {
	http         *http.Client
	creds        credentials.Store
	refreshURL   string
	tokenURL     string
	log          syncstore.Logger
	hooks        syncstore.Hooks
	leeway       time.Duration
	maxErrorBody int
	now          func() time.Time

	sf singleflight.Group
}

var _ syncstore.Transport = (*Client)(nil)

func New(cfg Config) *Client {
	c := &Client{
		http:         cfg.HTTPClient,
		creds:        cfg.Credentials,
		refreshURL:   cfg.RefreshURL,
		tokenURL:     cfg.TokenURL,
		hooks:        cfg.Hooks,
		leeway:       cfg.RefreshLeeway,
		maxErrorBody: cfg.MaxErrorBody,
		now:          cfg.Now,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.creds == nil {
		c.creds = &credentials.Memory{}
	}
	if cfg.Logger == nil {
		c.log = syncstore.NopLogger{}
	} else {
		c.log = cfg.Logger.With(syncstore.Fields{"component": "transport"})
	}
	if c.hooks == nil {
		c.hooks = syncstore.NopHooks{}
	}
	if c.maxErrorBody <= 0 {
		c.maxErrorBody = defaultMaxErrorBody
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// attempt is the protocol state of one logical request.
type attempt int

const (
	attemptInitial   attempt = iota // sent with the stored credential
	attemptRefreshed                // sent after this call refreshed; no further refresh
)

type rawResponse struct {
	status      int
	contentType string
	body        []byte
}

// Do sends req with the current credential. A 401 triggers at most one
// refresh and one resend; the resend's outcome is final.
func (c *Client) Do(ctx context.Context, req syncstore.Request) (syncstore.Response, error) {
	creds, err := c.creds.Load(ctx)
	if err != nil {
		return syncstore.Response{}, fmt.Errorf("transport: load credentials: %w", err)
	}

	state := attemptInitial
	if creds.CanRefresh() && c.expiring(creds.Access) {
		if creds, err = c.refresh(ctx, creds.Access); err != nil {
			return syncstore.Response{}, err
		}
		state = attemptRefreshed
	}

	res, err := c.send(ctx, req, creds.Access)
	if err != nil {
		return syncstore.Response{}, err
	}
	if res.status != http.StatusUnauthorized || state == attemptRefreshed {
		return c.finish(req, res)
	}

	// attemptInitial got a 401
	if !creds.CanRefresh() {
		return syncstore.Response{}, c.endSession(ctx, "unauthorized and no refresh credential", nil)
	}
	if creds, err = c.refresh(ctx, creds.Access); err != nil {
		return syncstore.Response{}, err
	}
	if res, err = c.send(ctx, req, creds.Access); err != nil {
		return syncstore.Response{}, err
	}
	return c.finish(req, res)
}

// SignIn exchanges username and password for a credential set and stores it.
func (c *Client) SignIn(ctx context.Context, username, password string) error {
	if c.tokenURL == "" {
		return errors.New("transport: token url is required")
	}
	set, err := c.postToken(ctx, c.tokenURL, map[string]string{"username": username, "password": password})
	if err != nil {
		return err
	}
	if err := c.creds.Save(ctx, set); err != nil {
		return fmt.Errorf("transport: save credentials: %w", err)
	}
	c.log.Info("signed in", syncstore.Fields{"refreshable": set.CanRefresh()})
	return nil
}

// SignOut clears the stored credential set.
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.creds.Clear(ctx); err != nil {
		return fmt.Errorf("transport: clear credentials: %w", err)
	}
	return nil
}

// SignedIn reports whether an access credential is stored.
func (c *Client) SignedIn(ctx context.Context) bool {
	s, err := c.creds.Load(ctx)
	return err == nil && s.Present()
}

// refresh returns a credential set newer than stale. Concurrent callers share
// one refresh; a caller whose stale token was already replaced gets the
// replacement without another round trip. Any failure ends the session.
func (c *Client) refresh(ctx context.Context, stale string) (credentials.Set, error) {
	v, err, _ := c.sf.Do("refresh", func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		cur, err := c.creds.Load(ctx)
		if err != nil {
			return nil, c.endSession(ctx, "credentials unreadable", err)
		}
		if cur.Present() && cur.Access != stale {
			return cur, nil
		}
		if !cur.CanRefresh() || c.refreshURL == "" {
			return nil, c.endSession(ctx, "no refresh credential", nil)
		}
		next, err := c.postToken(ctx, c.refreshURL, map[string]string{"refresh": cur.Refresh})
		if err != nil {
			return nil, c.endSession(ctx, "refresh rejected", err)
		}
		if next.Refresh == "" {
			next.Refresh = cur.Refresh
		}
		if err := c.creds.Save(ctx, next); err != nil {
			return nil, c.endSession(ctx, "refreshed credentials not saved", err)
		}
		c.hooks.CredentialsRefreshed()
		c.log.Info("access credential refreshed", nil)
		return next, nil
	})
	if err != nil {
		return credentials.Set{}, err
	}
	return v.(credentials.Set), nil
}

func (c *Client) endSession(ctx context.Context, reason string, cause error) error {
	if err := c.creds.Clear(ctx); err != nil {
		c.log.Error("clear credentials failed", syncstore.Fields{"err": err})
	}
	c.hooks.SessionExpired(reason)
	c.log.Warn("session expired", syncstore.Fields{"reason": reason, "err": cause})
	return &syncstore.SessionExpiredError{Reason: reason, Err: cause}
}

// expiring reports whether access is a JWT whose exp falls within the leeway.
// The signature is not checked; the server remains the authority.
func (c *Client) expiring(access string) bool {
	if c.leeway <= 0 || access == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Sub(c.now()) < c.leeway
}

func (c *Client) send(ctx context.Context, req syncstore.Request, access string) (rawResponse, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return rawResponse{}, fmt.Errorf("transport: build request: %w", err)
	}
	hr.Header.Set("Accept", "application/json")
	if req.ContentType != "" {
		hr.Header.Set("Content-Type", req.ContentType)
	}
	if access != "" {
		hr.Header.Set("Authorization", "Bearer "+access)
	}

	res, err := c.http.Do(hr)
	if err != nil {
		return rawResponse{}, &syncstore.NetworkError{Method: req.Method, URL: req.URL, Err: err}
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return rawResponse{}, &syncstore.NetworkError{Method: req.Method, URL: req.URL, Err: err}
	}
	c.log.Debug("response", syncstore.Fields{"method": req.Method, "url": req.URL, "status": res.StatusCode})
	return rawResponse{status: res.StatusCode, contentType: res.Header.Get("Content-Type"), body: b}, nil
}

func (c *Client) finish(req syncstore.Request, res rawResponse) (syncstore.Response, error) {
	switch {
	case res.status == http.StatusNoContent:
		return syncstore.Response{Status: res.status, NoContent: true}, nil
	case res.status >= 200 && res.status < 300:
		return syncstore.Response{Status: res.status, JSON: isJSON(res.contentType), Body: res.body}, nil
	default:
		b := res.body
		if len(b) > c.maxErrorBody {
			b = b[:c.maxErrorBody]
		}
		return syncstore.Response{}, &syncstore.RemoteError{
			Method: req.Method,
			URL:    req.URL,
			Status: res.status,
			Body:   strings.TrimSpace(string(b)),
		}
	}
}

type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// postToken is the shared sign-in/refresh exchange. It never carries the
// current access credential.
func (c *Client) postToken(ctx context.Context, url string, payload map[string]string) (credentials.Set, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return credentials.Set{}, fmt.Errorf("transport: marshal token request: %w", err)
	}
	req := syncstore.Request{Method: http.MethodPost, URL: url, ContentType: "application/json", Body: body}
	raw, err := c.send(ctx, req, "")
	if err != nil {
		return credentials.Set{}, err
	}
	res, err := c.finish(req, raw)
	if err != nil {
		return credentials.Set{}, err
	}
	var tr tokenResponse
	if err := json.Unmarshal(res.Body, &tr); err != nil {
		return credentials.Set{}, fmt.Errorf("transport: decode token response: %w", err)
	}
	if tr.Access == "" {
		return credentials.Set{}, errors.New("transport: token response missing access")
	}
	return credentials.Set{Access: tr.Access, Refresh: tr.Refresh}, nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
