package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Webhook headers used by the generic REST gateway. The signature is a hex
// HMAC-SHA256 of the raw request body; the timestamp bounds replays.
const (
	SignatureHeader = "X-Gateway-Signature"
	TimestampHeader = "X-Gateway-Timestamp"
)

// DefaultReplayWindow is how far a webhook timestamp may drift from now
// before the event is rejected.
const DefaultReplayWindow = 5 * time.Minute

// Sign computes the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// checkTimestamp validates the replay-window header value (unix seconds).
func checkTimestamp(raw string, window time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp header", ErrInvalidSignature)
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > window {
		return fmt.Errorf("%w: timestamp outside replay window", ErrInvalidSignature)
	}
	return nil
}

// wireEvent is the REST gateway's webhook body.
type wireEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		OrderID   string `json:"order_id"`
		CaptureID string `json:"capture_id,omitempty"`
		RefundID  string `json:"refund_id,omitempty"`
		Reason    string `json:"reason,omitempty"`
	} `json:"data"`
}

// decodeEvent parses a wire event body into the normalized form.
func decodeEvent(payload []byte) (*WebhookEvent, error) {
	var we wireEvent
	if err := json.Unmarshal(payload, &we); err != nil {
		return nil, fmt.Errorf("%w: malformed event payload", ErrInvalidRequest)
	}
	if we.ID == "" || we.Type == "" {
		return nil, fmt.Errorf("%w: event missing id or type", ErrInvalidRequest)
	}

	ev := &WebhookEvent{
		EventID:   we.ID,
		Type:      we.Type,
		OrderID:   we.Data.OrderID,
		Reason:    we.Data.Reason,
		CreatedAt: we.CreatedAt,
	}
	switch we.Type {
	case EventCaptureRefunded:
		ev.TxID = we.Data.RefundID
	default:
		ev.TxID = we.Data.CaptureID
	}
	return ev, nil
}

// encodeEvent builds a wire event body. Used by the memory driver to
// generate realistic webhook deliveries.
func encodeEvent(eventID, eventType, orderID, captureID, refundID, reason string, at time.Time) []byte {
	var we wireEvent
	we.ID = eventID
	we.Type = eventType
	we.CreatedAt = at
	we.Data.OrderID = orderID
	we.Data.CaptureID = captureID
	we.Data.RefundID = refundID
	we.Data.Reason = reason
	b, _ := json.Marshal(we)
	return b
}
