// Package webhooks delivers transition notifications to configured HTTP
// endpoints as signed JSON POSTs.
//
// Each request carries:
//
//	X-Dealbroker-Event:     event type
//	X-Dealbroker-Timestamp: unix seconds
//	X-Dealbroker-Signature: hex HMAC-SHA256 of "<timestamp>.<body>" (when a secret is set)
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/dealbroker/internal/notify"
	"github.com/mbd888/dealbroker/internal/retry"
	"github.com/mbd888/dealbroker/internal/security"
)

const (
	HeaderEvent     = "X-Dealbroker-Event"
	HeaderTimestamp = "X-Dealbroker-Timestamp"
	HeaderSignature = "X-Dealbroker-Signature"
)

// MaxSkew is how old a signed timestamp Verify accepts.
const MaxSkew = 5 * time.Minute

var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrStale        = errors.New("webhook timestamp outside allowed skew")
)

// Publisher posts events to a fixed set of endpoints.
type Publisher struct {
	endpoints    []string
	secret       string
	client       *http.Client
	policy       retry.Policy
	urlValidator func(string) error
	now          func() time.Time
}

// NewPublisher creates a publisher. Endpoints are checked against
// private/loopback addresses before every send.
func NewPublisher(endpoints []string, secret string) *Publisher {
	return &Publisher{
		endpoints: endpoints,
		secret:    secret,
		client:    &http.Client{Timeout: 10 * time.Second},
		policy:    retry.DefaultPolicy,
		urlValidator: func(u string) error {
			return security.ValidateOutboundURL(u, false)
		},
		now: time.Now,
	}
}

// Publish posts ev to every endpoint, retrying transient failures.
// Errors from individual endpoints are joined.
func (p *Publisher) Publish(ctx context.Context, ev notify.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var errs []error
	for _, endpoint := range p.endpoints {
		if err := p.urlValidator(endpoint); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			continue
		}
		err := p.policy.Do(ctx, func(ctx context.Context) error {
			return p.send(ctx, endpoint, ev.Type, payload)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) send(ctx context.Context, endpoint, eventType string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	ts := strconv.FormatInt(p.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderTimestamp, ts)
	if p.secret != "" {
		req.Header.Set(HeaderSignature, Sign(p.secret, ts, payload))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a received webhook's signature and timestamp freshness.
func Verify(secret, timestamp, signature string, payload []byte, now time.Time) error {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStale
	}
	skew := now.Sub(time.Unix(sec, 0))
	if skew > MaxSkew || skew < -MaxSkew {
		return ErrStale
	}
	expected := Sign(secret, timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
