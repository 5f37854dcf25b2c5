package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/dealbroker/internal/circuitbreaker"
	"github.com/mbd888/dealbroker/internal/retry"
)

// Client talks to the catalog service over HTTP:
//
//	GET  {base}/services/{id}, {base}/products/{id}
//	POST {base}/products/{id}/reserve  {"quantity": n, "reference": "..."}
type Client struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

// breakerKey names the catalog in circuit breaker state and metrics.
const breakerKey = "catalog"

// NewClient creates a catalog client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
		policy:  retry.DefaultPolicy,
	}
}

// WithHTTPClient overrides the HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	if h != nil {
		c.http = h
	}
	return c
}

// WithRetry overrides the retry policy.
func (c *Client) WithRetry(p retry.Policy) *Client {
	c.policy = p
	return c
}

// WithBreaker guards every call with b. Unknown listings and stock
// conflicts do not count as failures.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// call runs fn under the retry policy and, when set, the breaker.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return c.policy.Do(ctx, fn)
	}
	var verdict error
	err := c.breaker.Do(ctx, breakerKey, func(ctx context.Context) error {
		err := c.policy.Do(ctx, fn)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrOutOfStock) {
			verdict = err
			return nil
		}
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return err
	}
	return verdict
}

func (c *Client) Get(ctx context.Context, itemType, itemID string) (*Listing, error) {
	path := fmt.Sprintf("%s/%ss/%s", c.baseURL, url.PathEscape(itemType), url.PathEscape(itemID))

	var listing Listing
	err := c.call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		return c.do(req, &listing)
	})
	if err != nil {
		return nil, err
	}
	if listing.ItemID == "" {
		listing.ItemID = itemID
	}
	listing.ItemType = itemType
	return &listing, nil
}

func (c *Client) ReserveStock(ctx context.Context, itemID string, quantity int, reference string) error {
	body, err := json.Marshal(map[string]interface{}{"quantity": quantity, "reference": reference})
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/products/%s/reserve", c.baseURL, url.PathEscape(itemID))

	return c.call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", reference)
		return c.do(req, nil)
	})
}

// do sends req and decodes a 2xx body into out. 404 and 409 are permanent;
// 5xx and 429 are retried.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return retry.Permanent(ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return retry.Permanent(ErrOutOfStock)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("catalog %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	case resp.StatusCode >= 300:
		return retry.Permanent(fmt.Errorf("catalog %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decode catalog response: %w", err))
	}
	return nil
}

var _ Catalog = (*Client)(nil)
