// Package notify delivers payment lifecycle events to subscriber endpoints.
//
// Users register a URL plus the event types they care about. The dispatcher
// signs every delivery with the subscription's secret and records the outcome
// on the subscription. Deliveries are fire-and-forget: a slow or broken
// endpoint never blocks or fails a payment operation, and an endpoint that
// keeps failing is disabled.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marketplane/escrowd/internal/logging"
	"github.com/marketplane/escrowd/internal/retry"
	"github.com/marketplane/escrowd/internal/security"
)

// ErrNotFound is returned when a subscription id does not exist.
var ErrNotFound = errors.New("notify: subscription not found")

var notifyDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "notify",
	Name:      "deliveries_total",
	Help:      "Webhook delivery attempts that ran to completion, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(notifyDeliveries)
}

// Event is the wire payload delivered to subscriber endpoints.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription registers one endpoint for a set of event types. Delivery
// outcomes accumulate on the record; ConsecutiveFailures feeds the
// auto-disable threshold and resets on the first success.
type Subscription struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"` // HMAC signing key, returned once at creation
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures,omitempty"`
}

func (s *Subscription) wantsEvent(event string) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Store persists notification subscriptions.
//
// GetByEvent returns only active subscriptions whose event list contains the
// given type. Update on a missing id is a no-op, not an error.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, event string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig bounds delivery attempts per event and the failure streak a
// subscription survives before it is disabled.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxFailures int
}

// DefaultRetryConfig is the production delivery policy.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxFailures: 10,
}

// sendWindow caps one delivery including all retries. Each attempt is
// separately capped by the HTTP client timeout.
const sendWindow = 45 * time.Second

// Dispatcher fans events out to matching subscriptions. Sends run in their
// own goroutines; Dispatch returns as soon as the fan-out is scheduled.
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        RetryConfig
	urlValidator func(string) error
}

// NewDispatcher creates a dispatcher with the default delivery policy.
func NewDispatcher(store Store) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig)
}

// NewDispatcherWithRetry creates a dispatcher with an explicit delivery policy.
func NewDispatcherWithRetry(store Store, cfg RetryConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry:        cfg,
		urlValidator: security.ValidateEndpointURL,
	}
}

// Dispatch sends an event to every active subscription for its type.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.send(ctx, sub, event)
	}
	return nil
}

// DispatchToUser sends an event to one user's matching subscriptions.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wantsEvent(event.Type) {
			continue
		}
		go d.send(ctx, sub, event)
	}
	return nil
}

// send delivers one event to one subscription and records the outcome.
// The delivery outlives the request that triggered it, so the caller's
// cancellation is dropped while its values stay for logging.
func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendWindow)
	defer cancel()

	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("url rejected: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "event not serializable")
		return
	}

	err = retry.Do(ctx, d.retry.MaxAttempts, d.retry.BaseDelay, func() error {
		return d.deliver(ctx, sub, payload, event)
	})
	if err != nil {
		notifyDeliveries.WithLabelValues("error").Inc()
		d.updateError(ctx, sub, err.Error())
		return
	}
	notifyDeliveries.WithLabelValues("ok").Inc()
	d.updateSuccess(ctx, sub)
}

// deliver runs one HTTP attempt. Endpoint rejections (4xx except 429) are
// permanent; server errors and transport failures are retryable.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, payload []byte, event *Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Marketplane-Event", event.Type)
	req.Header.Set("X-Marketplane-Timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set("X-Marketplane-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("endpoint returned status %d", resp.StatusCode))
	default:
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
}

// sign computes the hex HMAC-SHA256 of the payload. Subscribers verify
// deliveries by recomputing this over the raw request body.
func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("subscription update failed", "subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retry.MaxFailures && sub.Active {
		sub.Active = false
		logging.L(ctx).Warn("subscription disabled after repeated failures",
			"subscription_id", sub.ID, "url", sub.URL, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("subscription update failed", "subscription_id", sub.ID, "error", err)
	}
}
