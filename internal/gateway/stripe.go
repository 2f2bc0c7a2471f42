package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	stripeclient "github.com/stripe/stripe-go/v81/client"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"

	"github.com/marketplane/escrowd/internal/money"
)

// StripeClient drives the gateway through Stripe: manual-capture
// PaymentIntents are the holds, transfers to connected accounts are the
// payouts. Stripe bills in integer minor units, so amounts round-trip
// through money.ToMinorUnits.
type StripeClient struct {
	api           *stripeclient.API
	webhookSecret string
}

// NewStripeClient creates a Stripe gateway driver.
func NewStripeClient(apiKey, webhookSecret string) *StripeClient {
	api := &stripeclient.API{}
	api.Init(apiKey, nil)
	return &StripeClient{api: api, webhookSecret: webhookSecret}
}

// mapStripeError folds Stripe's error taxonomy into the package sentinels.
// onAmbiguity is what unknown-outcome failures become; onMissing is what a
// resource_missing response means for the operation at hand.
func mapStripeError(err error, onAmbiguity, onMissing error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if !errors.As(err, &se) {
		// Transport-level failure; the request may have landed.
		return fmt.Errorf("%w: %v", onAmbiguity, err)
	}
	switch se.Type {
	case stripe.ErrorTypeAPI, stripe.ErrorTypeAPIConnection:
		return fmt.Errorf("%w: stripe %s", onAmbiguity, se.Type)
	case stripe.ErrorTypeCard:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, se.Code)
	}
	switch se.Code {
	case stripe.ErrorCodeBalanceInsufficient, stripe.ErrorCodeCardDeclined, stripe.ErrorCodeExpiredCard:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, se.Code)
	case stripe.ErrorCodeAccountInvalid:
		return fmt.Errorf("%w: %s", ErrPayeeUnregistered, se.Code)
	case stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("%w: %s", onMissing, se.Code)
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, se.Code)
}

// captureTxID prefers the charge id; falls back to the intent id when the
// charge is not expanded on the response.
func captureTxID(pi *stripe.PaymentIntent) string {
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		return pi.LatestCharge.ID
	}
	return pi.ID
}

func (c *StripeClient) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	start := time.Now()
	minor, err := money.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		observe("create_hold", start, err)
		return nil, err
	}

	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx, IdempotencyKey: stripe.String(req.IdempotencyKey)},
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}

	pi, err := c.api.PaymentIntents.New(params)
	// No money moves on intent creation; the idempotency key makes a later
	// attempt safe.
	err = mapStripeError(err, ErrGatewayUnavailable, ErrInvalidRequest)
	observe("create_hold", start, err)
	if err != nil {
		return nil, err
	}
	return &Hold{OrderID: pi.ID}, nil
}

func (c *StripeClient) CaptureHold(ctx context.Context, orderID string) (*Capture, error) {
	start := time.Now()
	pi, err := c.api.PaymentIntents.Capture(orderID, &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	})
	err = mapStripeError(err, ErrReconciliationRequired, ErrOrderNotFound)
	observe("capture_hold", start, err)
	if err != nil {
		return nil, err
	}
	return &Capture{CaptureID: captureTxID(pi)}, nil
}

func (c *StripeClient) Payout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	start := time.Now()
	minor, err := money.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		observe("payout", start, err)
		return nil, err
	}

	tr, err := c.api.Transfers.New(&stripe.TransferParams{
		Params:        stripe.Params{Context: ctx, IdempotencyKey: stripe.String(req.IdempotencyKey)},
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.PayeeID),
		TransferGroup: stripe.String(req.Reference),
	})
	err = mapStripeError(err, ErrReconciliationRequired, ErrPayeeUnregistered)
	observe("payout", start, err)
	if err != nil {
		return nil, err
	}
	return &Payout{PayoutID: tr.ID}, nil
}

func (c *StripeClient) RefundHold(ctx context.Context, req RefundRequest) (*Refund, error) {
	start := time.Now()

	if req.CaptureID == "" {
		// Nothing captured yet: cancel the intent to void the hold.
		pi, err := c.api.PaymentIntents.Cancel(req.OrderID, &stripe.PaymentIntentCancelParams{
			Params: stripe.Params{Context: ctx},
		})
		err = mapStripeError(err, ErrReconciliationRequired, ErrOrderNotFound)
		observe("refund_hold", start, err)
		if err != nil {
			return nil, err
		}
		return &Refund{RefundID: pi.ID}, nil
	}

	ref, err := c.api.Refunds.New(&stripe.RefundParams{
		Params:        stripe.Params{Context: ctx, IdempotencyKey: stripe.String(req.IdempotencyKey)},
		PaymentIntent: stripe.String(req.OrderID),
	})
	err = mapStripeError(err, ErrReconciliationRequired, ErrOrderNotFound)
	observe("refund_hold", start, err)
	if err != nil {
		return nil, err
	}
	return &Refund{RefundID: ref.ID}, nil
}

func (c *StripeClient) LookupOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	start := time.Now()
	params := &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}}
	params.AddExpand("latest_charge")

	pi, err := c.api.PaymentIntents.Get(orderID, params)
	err = mapStripeError(err, ErrGatewayUnavailable, ErrOrderNotFound)
	observe("lookup_order", start, err)
	if err != nil {
		return nil, err
	}

	status := &OrderStatus{OrderID: pi.ID, Currency: strings.ToUpper(string(pi.Currency))}
	if amount, convErr := money.FromMinorUnits(pi.Amount, status.Currency); convErr == nil {
		status.Amount = amount
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status.State = OrderCaptured
		status.CaptureID = captureTxID(pi)
		if pi.LatestCharge != nil && pi.LatestCharge.Refunded {
			status.State = OrderRefunded
			status.RefundID = pi.LatestCharge.ID
		}
	case stripe.PaymentIntentStatusCanceled:
		status.State = OrderRefunded
	case stripe.PaymentIntentStatusProcessing:
		status.State = OrderProcessing
	default:
		status.State = OrderCreated
	}
	// Transfers are not linked to the intent, so payout state never shows
	// up here; payout ambiguity is resolved by operators or by transfer
	// webhooks, not by this lookup.
	return status, nil
}

func (c *StripeClient) ParseWebhook(payload []byte, header http.Header) (*WebhookEvent, error) {
	event, err := stripewebhook.ConstructEvent(payload, header.Get("Stripe-Signature"), c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev := &WebhookEvent{EventID: event.ID, CreatedAt: time.Unix(event.Created, 0)}
	switch string(event.Type) {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		ev.Type = EventCaptureCompleted
		ev.OrderID = pi.ID
		ev.TxID = captureTxID(&pi)
	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		ev.Type = EventCaptureDenied
		ev.OrderID = pi.ID
		if pi.LastPaymentError != nil {
			ev.Reason = string(pi.LastPaymentError.Code)
		}
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		ev.Type = EventCaptureRefunded
		ev.TxID = ch.ID
		if ch.PaymentIntent != nil {
			ev.OrderID = ch.PaymentIntent.ID
		}
	default:
		// Unrecognized types flow through; the reconciler records and
		// ignores them.
		ev.Type = string(event.Type)
	}
	return ev, nil
}

// Compile-time assertion that StripeClient implements Client.
var _ Client = (*StripeClient)(nil)
