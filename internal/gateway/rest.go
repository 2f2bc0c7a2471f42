package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketplane/escrowd/internal/circuitbreaker"
	"github.com/marketplane/escrowd/internal/retry"
)

// DefaultHTTPTimeout bounds a single gateway request.
const DefaultHTTPTimeout = 15 * time.Second

const maxResponseSize = 1 * 1024 * 1024 // 1MB

// RESTClient talks to a generic JSON payment gateway over HTTP. Mutating
// calls send an Idempotency-Key header; a per-endpoint circuit breaker stops
// hammering a dead payout API while order lookups keep flowing.
type RESTClient struct {
	baseURL      string
	apiKey       string
	secret       string
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	maxAttempts  int
	baseDelay    time.Duration
	replayWindow time.Duration
}

// NewRESTClient creates a REST gateway driver.
// Pass timeout=0 to use DefaultHTTPTimeout.
func NewRESTClient(baseURL, apiKey, webhookSecret string, timeout time.Duration) *RESTClient {
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &RESTClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		secret:       webhookSecret,
		client:       &http.Client{Timeout: timeout},
		breaker:      circuitbreaker.New(5, 30*time.Second),
		maxAttempts:  3,
		baseDelay:    200 * time.Millisecond,
		replayWindow: DefaultReplayWindow,
	}
}

// errBreakerOpen means the request was never sent: the outcome is known.
var errBreakerOpen = errors.New("gateway: circuit breaker open")

// ambiguousError wraps a failure whose remote outcome is unknown: the
// request may or may not have been processed by the gateway.
type ambiguousError struct{ err error }

func (e *ambiguousError) Error() string { return e.err.Error() }
func (e *ambiguousError) Unwrap() error { return e.err }

// retryableError is a definitive rejection that the gateway did not process
// (e.g. rate limiting); safe to retry without reconciliation.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// apiError is a definitive JSON error response from the gateway.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gateway HTTP %d: %s", e.Status, e.Code)
}

// Wire shapes for the REST gateway.

type restOrderRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	ClientID    string `json:"client_id"`
	Description string `json:"description,omitempty"`
}

type restOrder struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	CaptureID string `json:"capture_id"`
	RefundID  string `json:"refund_id"`
	PayoutID  string `json:"payout_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

type restPayoutRequest struct {
	PayeeID   string `json:"payee_id"`
	OrderID   string `json:"order_id,omitempty"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type restRefundRequest struct {
	OrderID   string `json:"order_id"`
	CaptureID string `json:"capture_id,omitempty"`
}

type restID struct {
	ID string `json:"id"`
}

// do executes one request and classifies the failure: errBreakerOpen (never
// sent), *retryableError (rejected unprocessed), *ambiguousError (outcome
// unknown), or *apiError (definitive gateway error).
func (c *RESTClient) do(ctx context.Context, method, path, breakerKey, idemKey string, in, out interface{}) error {
	if !c.breaker.Allow(breakerKey) {
		return errBreakerOpen
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", ErrInvalidRequest, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return &ambiguousError{err: fmt.Errorf("http request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return &ambiguousError{err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.breaker.RecordFailure(breakerKey)
		return &retryableError{err: fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure(breakerKey)
		return &ambiguousError{err: fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)}
	}

	c.breaker.RecordSuccess(breakerKey)

	if resp.StatusCode >= 400 {
		ae := &apiError{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, ae); err != nil || ae.Code == "" {
			ae.Code = "http_" + strconv.Itoa(resp.StatusCode)
		}
		return ae
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			// The call succeeded remotely but the response is unreadable.
			return &ambiguousError{err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// mapAPIError translates the gateway's error vocabulary into the package
// sentinels.
func mapAPIError(ae *apiError) error {
	switch ae.Code {
	case "payee_unregistered", "account_not_onboarded":
		return fmt.Errorf("%w: %s", ErrPayeeUnregistered, ae.Code)
	case "insufficient_funds", "card_declined":
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, ae.Code)
	case "order_not_found":
		return fmt.Errorf("%w: %s", ErrOrderNotFound, ae.Code)
	}
	if ae.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, ae.Code)
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, ae.Code)
}

// retryOrPermanent decides whether the retry loop should continue: API
// errors are mapped and stop the loop, everything else is retried.
func retryOrPermanent(err error) error {
	if err == nil {
		return nil
	}
	var ae *apiError
	if errors.As(err, &ae) {
		return retry.Permanent(mapAPIError(ae))
	}
	return err
}

// finishKeyed maps the terminal error of a retried, idempotency-keyed call.
// onAmbiguity decides what exhausted unknown-outcome failures become:
// ErrGatewayUnavailable when retrying later is harmless, or
// ErrReconciliationRequired when money may have moved.
func finishKeyed(err, onAmbiguity error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errBreakerOpen):
		return fmt.Errorf("%w: circuit breaker open", ErrGatewayUnavailable)
	}
	var amb *ambiguousError
	if errors.As(err, &amb) {
		return fmt.Errorf("%w: %v", onAmbiguity, amb.err)
	}
	var re *retryableError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, re.err)
	}
	return err
}

func (c *RESTClient) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	start := time.Now()
	var out restID
	err := retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		return retryOrPermanent(c.do(ctx, http.MethodPost, "/v1/orders", "orders", req.IdempotencyKey, restOrderRequest{
			Amount:      req.Amount.String(),
			Currency:    req.Currency,
			ClientID:    req.ClientID,
			Description: req.Description,
		}, &out))
	})
	// No money has moved on an unknown hold outcome; the same idempotency
	// key makes a later attempt safe.
	err = finishKeyed(err, ErrGatewayUnavailable)
	observe("create_hold", start, err)
	if err != nil {
		return nil, err
	}
	return &Hold{OrderID: out.ID}, nil
}

func (c *RESTClient) CaptureHold(ctx context.Context, orderID string) (*Capture, error) {
	start := time.Now()
	var out restID
	// A capture is never blind-retried: an unknown outcome may mean the
	// client was charged.
	err := c.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/capture", "captures", "", nil, &out)
	err = c.finishCapture(err)
	observe("capture_hold", start, err)
	if err != nil {
		return nil, err
	}
	return &Capture{CaptureID: out.ID}, nil
}

func (c *RESTClient) finishCapture(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errBreakerOpen):
		return fmt.Errorf("%w: circuit breaker open", ErrGatewayUnavailable)
	}
	var amb *ambiguousError
	if errors.As(err, &amb) {
		return fmt.Errorf("%w: %v", ErrReconciliationRequired, amb.err)
	}
	var re *retryableError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, re.err)
	}
	var ae *apiError
	if errors.As(err, &ae) {
		return mapAPIError(ae)
	}
	return err
}

func (c *RESTClient) Payout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	start := time.Now()
	var out restID
	err := retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		return retryOrPermanent(c.do(ctx, http.MethodPost, "/v1/payouts", "payouts", req.IdempotencyKey, restPayoutRequest{
			PayeeID:   req.PayeeID,
			OrderID:   req.OrderID,
			Amount:    req.Amount.String(),
			Currency:  req.Currency,
			Reference: req.Reference,
		}, &out))
	})
	err = finishKeyed(err, ErrReconciliationRequired)
	observe("payout", start, err)
	if err != nil {
		return nil, err
	}
	return &Payout{PayoutID: out.ID}, nil
}

func (c *RESTClient) RefundHold(ctx context.Context, req RefundRequest) (*Refund, error) {
	start := time.Now()
	var out restID
	err := retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		return retryOrPermanent(c.do(ctx, http.MethodPost, "/v1/refunds", "refunds", req.IdempotencyKey, restRefundRequest{
			OrderID:   req.OrderID,
			CaptureID: req.CaptureID,
		}, &out))
	})
	err = finishKeyed(err, ErrReconciliationRequired)
	observe("refund_hold", start, err)
	if err != nil {
		return nil, err
	}
	return &Refund{RefundID: out.ID}, nil
}

func (c *RESTClient) LookupOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	start := time.Now()
	var out restOrder
	err := retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		return retryOrPermanent(c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), "orders", "", nil, &out))
	})
	// Reads have no side effects; exhausted failures are plain unavailability.
	err = finishKeyed(err, ErrGatewayUnavailable)
	observe("lookup_order", start, err)
	if err != nil {
		return nil, err
	}

	amount, _ := decimal.NewFromString(out.Amount)
	return &OrderStatus{
		OrderID:   out.ID,
		State:     out.State,
		CaptureID: out.CaptureID,
		RefundID:  out.RefundID,
		PayoutID:  out.PayoutID,
		Amount:    amount,
		Currency:  out.Currency,
	}, nil
}

func (c *RESTClient) ParseWebhook(payload []byte, header http.Header) (*WebhookEvent, error) {
	if !VerifySignature(c.secret, payload, header.Get(SignatureHeader)) {
		return nil, ErrInvalidSignature
	}
	if err := checkTimestamp(header.Get(TimestampHeader), c.replayWindow, time.Now()); err != nil {
		return nil, err
	}
	return decodeEvent(payload)
}

// Compile-time assertion that RESTClient implements Client.
var _ Client = (*RESTClient)(nil)
