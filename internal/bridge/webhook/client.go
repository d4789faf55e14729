// Package webhook performs the HTTP requests a call makes to the
// application: document fetches and fire-and-forget notifications.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// SignatureHeader carries the request signature when an auth token is set.
const SignatureHeader = "X-Callbridge-Signature"

const (
	defaultTimeout       = 10 * time.Second
	defaultMaxBody       = 1 << 20
	defaultMaxInFlight   = 256
	userAgent            = "callbridge/1.0"
	formContentType      = "application/x-www-form-urlencoded"
	notifyAcquireTimeout = 5 * time.Second
)

// ErrStatus is returned by Fetch for non-2xx responses.
var ErrStatus = errors.New("unexpected HTTP status")

// Config configures a Client.
type Config struct {
	Timeout time.Duration
	// AuthToken signs every request when set.
	AuthToken string
	// MaxInFlight bounds concurrent notifications.
	MaxInFlight int64
	Logger      *slog.Logger
}

// Client fetches call-flow documents and sends notifications.
type Client struct {
	http    *http.Client
	token   string
	slots   *semaphore.Weighted
	pending sync.WaitGroup
	logger  *slog.Logger
}

// NewClient creates a webhook client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		token:  cfg.AuthToken,
		slots:  semaphore.NewWeighted(cfg.MaxInFlight),
		logger: cfg.Logger,
	}
}

// Fetch performs a GET (params in the query) or POST (params as a form)
// and returns the response body.
func (c *Client) Fetch(ctx context.Context, target, method string, params map[string]string) ([]byte, error) {
	req, err := c.newRequest(ctx, target, method, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s: %d", ErrStatus, req.Method, target, resp.StatusCode)
	}
	return body, nil
}

// Notify sends a request in the background. Failures are logged and never
// retried. An empty URL is ignored.
func (c *Client) Notify(target, method string, params map[string]string) {
	if target == "" {
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyAcquireTimeout)
		err := c.slots.Acquire(ctx, 1)
		cancel()
		if err != nil {
			c.logger.Warn("[Webhook] Too many notifications in flight, dropped", "url", target)
			return
		}
		defer c.slots.Release(1)

		if _, err := c.Fetch(context.Background(), target, method, params); err != nil {
			c.logger.Warn("[Webhook] Notification failed", "url", target, "error", err)
			return
		}
		c.logger.Debug("[Webhook] Notified", "url", target)
	}()
}

// Wait blocks until in-flight notifications finish or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) newRequest(ctx context.Context, target, method string, params map[string]string) (*http.Request, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook URL %q", target)
	}
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	method = strings.ToUpper(method)
	var req *http.Request
	switch method {
	case http.MethodGet:
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	case "", http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", formContentType)
		}
	default:
		return nil, fmt.Errorf("unsupported webhook method %q", method)
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set(SignatureHeader, Sign(c.token, target, params))
	}
	return req, nil
}

// Sign computes the hex HMAC-SHA256 of the URL followed by every parameter
// name and value in name order.
func Sign(token, target string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(target))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the request parameters.
func Verify(token, target string, params map[string]string, signature string) bool {
	expected := Sign(token, target, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}
