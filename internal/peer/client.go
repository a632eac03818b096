// Package peer is the outbound HTTP client for the actor-to-actor protocol.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/pkg/wire"
)

// Client issues the outbound HTTP calls one actor makes to a peer. Unlike a
// typical SDK client it is not bound to one base URI or one bearer token:
// every trust relationship has its own base_uri and shared secret, so both
// are passed per call.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the overall budget for every request (net/http does not
// separate connect and read budgets without a custom dialer).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a Client.
func New(logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(req *http.Request, bearer string) (int, []byte, error) {
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("peer request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read peer response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func newRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// nonRetryableError marks a response that was received but unusable (bad
// status or unparseable body); retrying cannot change the outcome.
type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// GetMeta fetches GET <baseURI>/meta, unauthenticated.
func (c *Client) GetMeta(ctx context.Context, baseURI string) (*wire.MetaResponse, error) {
	req, err := newRequest(ctx, http.MethodGet, baseURI+"/meta", nil)
	if err != nil {
		return nil, err
	}
	status, body, err := c.do(req, "")
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, &nonRetryableError{fmt.Errorf("get meta: status %d", status)}
	}
	var meta wire.MetaResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, &nonRetryableError{fmt.Errorf("parse meta response: %w", err)}
	}
	return &meta, nil
}

// GetMetaWithRetry retries GetMeta up to 3 attempts with exponential backoff
// on transport errors only; a successfully-received but unparseable (or
// non-2xx) response is returned immediately without retrying.
func (c *Client) GetMetaWithRetry(ctx context.Context, baseURI string) (*wire.MetaResponse, error) {
	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 1; attempt <= 3; attempt++ {
		meta, err := c.GetMeta(ctx, baseURI)
		if err == nil {
			return meta, nil
		}
		var nonRetryable *nonRetryableError
		if errors.As(err, &nonRetryable) {
			return nil, err
		}
		lastErr = err
		if attempt == 3 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("get meta after retries: %w", lastErr)
}

// RequestTrust issues POST <baseURI>/trust/<relationship> and returns the
// HTTP status code (201 auto-approved, 202 pending, other = failure).
func (c *Client) RequestTrust(ctx context.Context, baseURI, relationship string, body wire.TrustRequest) (int, error) {
	req, err := newRequest(ctx, http.MethodPost, fmt.Sprintf("%s/trust/%s", baseURI, relationship), body)
	if err != nil {
		return 0, err
	}
	status, _, err := c.do(req, "")
	return status, err
}

// GetTrustVerification issues the verification callback
// GET <baseURI>/trust/<relationship>/<peerID>.
func (c *Client) GetTrustVerification(ctx context.Context, baseURI, relationship, peerID, secret string) (*wire.TrustVerificationResponse, error) {
	url := fmt.Sprintf("%s/trust/%s/%s", baseURI, relationship, peerID)
	req, err := newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	status, body, err := c.do(req, secret)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("get trust verification: status %d", status)
	}
	var out wire.TrustVerificationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse trust verification response: %w", err)
	}
	return &out, nil
}

// NotifyTrustApproval issues PUT <baseURI>/trust/<relationship>/<peerID>.
func (c *Client) NotifyTrustApproval(ctx context.Context, baseURI, relationship, peerID, secret string, approved bool) error {
	url := fmt.Sprintf("%s/trust/%s/%s", baseURI, relationship, peerID)
	req, err := newRequest(ctx, http.MethodPut, url, wire.TrustApprovalNotice{Approved: approved})
	if err != nil {
		return err
	}
	status, body, err := c.do(req, secret)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("notify trust approval: status %d: %s", status, string(body))
	}
	return nil
}

// DeleteTrust issues DELETE <baseURI>/trust/<relationship>/<peerID>. 404 is
// tolerated (idempotent peer-initiated deletion semantics).
func (c *Client) DeleteTrust(ctx context.Context, baseURI, relationship, peerID, secret string) error {
	url := fmt.Sprintf("%s/trust/%s/%s", baseURI, relationship, peerID)
	req, err := newRequest(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	status, body, err := c.do(req, secret)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || status < 300 {
		return nil
	}
	return fmt.Errorf("delete trust: status %d: %s", status, string(body))
}

// Subscribe issues POST <baseURI>/subscriptions/<peerID>.
func (c *Client) Subscribe(ctx context.Context, baseURI, peerID, secret string, body wire.SubscribeRequest) (*wire.SubscribeResponse, error) {
	url := fmt.Sprintf("%s/subscriptions/%s", baseURI, peerID)
	req, err := newRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	status, respBody, err := c.do(req, secret)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("subscribe: status %d", status)
	}
	var out wire.SubscribeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse subscribe response: %w", err)
	}
	return &out, nil
}

// PullDiffs issues GET <baseURI>/subscriptions/<myID>/<subID>, returning the
// raw HTTP status alongside the parsed body so callers can distinguish 404
// (used by revoked-trust detection).
func (c *Client) PullDiffs(ctx context.Context, baseURI, myID, subID, secret string) (int, *wire.PullResponse, error) {
	url := fmt.Sprintf("%s/subscriptions/%s/%s", baseURI, myID, subID)
	req, err := newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	status, body, err := c.do(req, secret)
	if err != nil {
		return 0, nil, err
	}
	if status >= 300 {
		return status, nil, nil
	}
	var out wire.PullResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return status, nil, fmt.Errorf("parse pull response: %w", err)
	}
	return status, &out, nil
}

// ConfirmSequence issues PUT <baseURI>/subscriptions/<myID>/<subID>.
func (c *Client) ConfirmSequence(ctx context.Context, baseURI, myID, subID, secret string, sequence int) error {
	url := fmt.Sprintf("%s/subscriptions/%s/%s", baseURI, myID, subID)
	req, err := newRequest(ctx, http.MethodPut, url, wire.ConfirmRequest{Sequence: sequence})
	if err != nil {
		return err
	}
	status, body, err := c.do(req, secret)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("confirm sequence: status %d: %s", status, string(body))
	}
	return nil
}

// DeleteSubscription issues DELETE <baseURI>/subscriptions/<myID>/<subID>.
func (c *Client) DeleteSubscription(ctx context.Context, baseURI, myID, subID, secret string) error {
	url := fmt.Sprintf("%s/subscriptions/%s/%s", baseURI, myID, subID)
	req, err := newRequest(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	status, body, err := c.do(req, secret)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || status < 300 {
		return nil
	}
	return fmt.Errorf("delete subscription: status %d: %s", status, string(body))
}

// DeliverCallback issues
// POST <baseURI>/callbacks/subscriptions/<myActorID>/<subID> and returns the
// HTTP status code so the caller can implement synchronous delivery
// blocking on the response.
func (c *Client) DeliverCallback(ctx context.Context, baseURI, myActorID, subID, secret string, envelope wire.CallbackEnvelope) (int, error) {
	url := fmt.Sprintf("%s/callbacks/subscriptions/%s/%s", baseURI, myActorID, subID)
	req, err := newRequest(ctx, http.MethodPost, url, envelope)
	if err != nil {
		return 0, err
	}
	status, _, err := c.do(req, secret)
	return status, err
}

// FetchResource issues a plain authenticated GET against an arbitrary
// resource path on the peer, used by the sync reconciler's baseline fetch.
func (c *Client) FetchResource(ctx context.Context, absoluteURL, secret string) (int, []byte, error) {
	req, err := newRequest(ctx, http.MethodGet, absoluteURL, nil)
	if err != nil {
		return 0, nil, err
	}
	return c.do(req, secret)
}
