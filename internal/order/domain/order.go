package domain

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusProcessing     OrderStatus = "processing"
	StatusShipped        OrderStatus = "shipped"
	StatusOutForDelivery OrderStatus = "out_for_delivery"
	StatusDelivered      OrderStatus = "delivered"
	StatusCancelled      OrderStatus = "cancelled"
	StatusReturned       OrderStatus = "returned"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	MethodCardRedirect PaymentMethod = "card_redirect"
	MethodBitcoin      PaymentMethod = "bitcoin"
	MethodMonero       PaymentMethod = "monero"
)

// OrderItem is a point-in-time snapshot of a catalog product. Prices are
// frozen at order creation and never recomputed from the live catalog.
type OrderItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type ShippingMethod struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Cost              decimal.Decimal `json:"cost"`
	EstimatedDelivery string          `json:"estimated_delivery"`
}

// StatusEntry is one line of the append-only status history.
type StatusEntry struct {
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
	Note   string      `json:"note,omitempty"`
}

type Order struct {
	ID               string          `json:"id"`
	OrderNumber      string          `json:"order_number"`
	CustomerID       string          `json:"customer_id"`
	Items            []OrderItem     `json:"items"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	ShippingCost     decimal.Decimal `json:"shipping_cost"`
	Tax              decimal.Decimal `json:"tax"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	ShippingAddress  Address         `json:"shipping_address"`
	BillingAddress   Address         `json:"billing_address"`
	ShippingMethod   ShippingMethod  `json:"shipping_method"`
	Status           OrderStatus     `json:"status"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	StatusHistory    []StatusEntry   `json:"status_history"`
	TrackingNumber   string          `json:"tracking_number,omitempty"`
	TrackingURL      string          `json:"tracking_url,omitempty"`
	DeliveryDate     *time.Time      `json:"delivery_date,omitempty"`
	HasReturnRequest bool            `json:"has_return_request"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewOrderNumber builds the human-readable order reference, e.g.
// ORD-1717430400-483920.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%d-%06d", now.Unix(), rand.Intn(1_000_000))
}

// NewOrder creates an order in pending/unpaid state. Item snapshots must
// already carry their frozen unit prices; totals are computed once here.
func NewOrder(id, customerID string, items []OrderItem, shipping, billing Address, method ShippingMethod, payMethod PaymentMethod, tax decimal.Decimal, now time.Time) Order {
	subtotal := decimal.Zero
	for i := range items {
		items[i].LineTotal = items[i].UnitPrice.Mul(decimal.NewFromInt(int64(items[i].Quantity)))
		subtotal = subtotal.Add(items[i].LineTotal)
	}
	return Order{
		ID:              id,
		OrderNumber:     NewOrderNumber(now),
		CustomerID:      customerID,
		Items:           items,
		Subtotal:        subtotal,
		ShippingCost:    method.Cost,
		Tax:             tax,
		TotalAmount:     subtotal.Add(method.Cost).Add(tax),
		ShippingAddress: shipping,
		BillingAddress:  billing,
		ShippingMethod:  method,
		Status:          StatusPending,
		PaymentMethod:   payMethod,
		PaymentStatus:   PaymentPending,
		StatusHistory: []StatusEntry{
			{Status: StatusPending, At: now, Note: "order created"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
