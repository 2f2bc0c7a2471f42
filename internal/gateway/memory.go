package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketplane/escrowd/internal/idgen"
)

// MemoryGateway is a deterministic in-process gateway for demo mode and
// tests. It enforces the same order lifecycle as a real gateway, dedupes by
// idempotency key, and can generate signed webhook deliveries in the REST
// wire format.
type MemoryGateway struct {
	mu     sync.Mutex
	secret string
	orders map[string]*memOrder
	idem   map[string]string // idempotency key → id it produced
	seq    int

	// Injectable failures. Set before the call under test; nil means the
	// operation succeeds.
	CreateErr  error
	CaptureErr error
	PayoutErr  error
	RefundErr  error
	LookupErr  error
}

type memOrder struct {
	id        string
	state     string
	clientID  string
	amount    decimal.Decimal
	currency  string
	captureID string
	refundID  string
	payoutID  string
	payeeID   string
}

// NewMemoryGateway creates a memory driver. Pass an empty secret to have
// one generated.
func NewMemoryGateway(webhookSecret string) *MemoryGateway {
	if webhookSecret == "" {
		webhookSecret = idgen.Secret()
	}
	return &MemoryGateway{
		secret: webhookSecret,
		orders: make(map[string]*memOrder),
		idem:   make(map[string]string),
	}
}

// Secret returns the webhook signing secret, for wiring demo senders.
func (m *MemoryGateway) Secret() string { return m.secret }

func (m *MemoryGateway) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_%06d", prefix, m.seq)
}

func (m *MemoryGateway) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}

	if id, ok := m.idem[req.IdempotencyKey]; ok {
		return &Hold{OrderID: id}, nil
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive amount", ErrInvalidRequest)
	}

	order := &memOrder{
		id:       m.nextID("ord"),
		state:    OrderCreated,
		clientID: req.ClientID,
		amount:   req.Amount,
		currency: req.Currency,
	}
	m.orders[order.id] = order
	if req.IdempotencyKey != "" {
		m.idem[req.IdempotencyKey] = order.id
	}
	return &Hold{OrderID: order.id}, nil
}

func (m *MemoryGateway) CaptureHold(ctx context.Context, orderID string) (*Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CaptureErr != nil {
		return nil, m.CaptureErr
	}

	order, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	switch order.state {
	case OrderCaptured:
		// Repeated capture returns the original result.
		return &Capture{CaptureID: order.captureID}, nil
	case OrderCreated:
		order.state = OrderCaptured
		order.captureID = m.nextID("cap")
		return &Capture{CaptureID: order.captureID}, nil
	}
	return nil, fmt.Errorf("%w: order is %s", ErrInvalidRequest, order.state)
}

func (m *MemoryGateway) Payout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PayoutErr != nil {
		return nil, m.PayoutErr
	}

	if id, ok := m.idem[req.IdempotencyKey]; ok {
		return &Payout{PayoutID: id}, nil
	}
	if req.PayeeID == "" {
		return nil, fmt.Errorf("%w: missing payee", ErrPayeeUnregistered)
	}

	order, ok := m.orders[req.OrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	switch order.state {
	case OrderPayoutSent:
		return &Payout{PayoutID: order.payoutID}, nil
	case OrderCaptured:
	default:
		return nil, fmt.Errorf("%w: order is %s", ErrInvalidRequest, order.state)
	}

	order.state = OrderPayoutSent
	order.payoutID = m.nextID("po")
	order.payeeID = req.PayeeID
	if req.IdempotencyKey != "" {
		m.idem[req.IdempotencyKey] = order.payoutID
	}
	return &Payout{PayoutID: order.payoutID}, nil
}

func (m *MemoryGateway) RefundHold(ctx context.Context, req RefundRequest) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RefundErr != nil {
		return nil, m.RefundErr
	}

	if id, ok := m.idem[req.IdempotencyKey]; ok {
		return &Refund{RefundID: id}, nil
	}
	order, ok := m.orders[req.OrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	switch order.state {
	case OrderRefunded:
		return &Refund{RefundID: order.refundID}, nil
	case OrderCreated, OrderCaptured:
		order.state = OrderRefunded
		order.refundID = m.nextID("rf")
		if req.IdempotencyKey != "" {
			m.idem[req.IdempotencyKey] = order.refundID
		}
		return &Refund{RefundID: order.refundID}, nil
	}
	return nil, fmt.Errorf("%w: order is %s", ErrInvalidRequest, order.state)
}

func (m *MemoryGateway) LookupOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LookupErr != nil {
		return nil, m.LookupErr
	}

	order, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &OrderStatus{
		OrderID:   order.id,
		State:     order.state,
		CaptureID: order.captureID,
		RefundID:  order.refundID,
		PayoutID:  order.payoutID,
		Amount:    order.amount,
		Currency:  order.currency,
	}, nil
}

func (m *MemoryGateway) ParseWebhook(payload []byte, header http.Header) (*WebhookEvent, error) {
	if !VerifySignature(m.secret, payload, header.Get(SignatureHeader)) {
		return nil, ErrInvalidSignature
	}
	if err := checkTimestamp(header.Get(TimestampHeader), DefaultReplayWindow, time.Now()); err != nil {
		return nil, err
	}
	return decodeEvent(payload)
}

// SignedEvent builds a signed webhook delivery for the given order in the
// REST wire format: payload plus the signature and timestamp headers. Used
// by tests and the demo flow to simulate gateway notifications.
func (m *MemoryGateway) SignedEvent(eventType, orderID string) ([]byte, http.Header) {
	m.mu.Lock()
	var captureID, refundID string
	if order, ok := m.orders[orderID]; ok {
		captureID = order.captureID
		refundID = order.refundID
	}
	eventID := idgen.WithPrefix("evt_")
	m.mu.Unlock()

	now := time.Now().UTC()
	payload := encodeEvent(eventID, eventType, orderID, captureID, refundID, "", now)

	header := http.Header{}
	header.Set(SignatureHeader, Sign(m.secret, payload))
	header.Set(TimestampHeader, strconv.FormatInt(now.Unix(), 10))
	return payload, header
}

// Compile-time assertion that MemoryGateway implements Client.
var _ Client = (*MemoryGateway)(nil)
