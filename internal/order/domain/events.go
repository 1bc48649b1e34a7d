package domain

import "github.com/shopspring/decimal"

// Outbox event payloads published on committed order transitions.

type OrderCreated struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	CustomerID  string          `json:"customer_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Method      PaymentMethod   `json:"payment_method"`
	Items       []OrderItem     `json:"items"`
}

type OrderPaymentCompleted struct {
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
	Method  PaymentMethod   `json:"payment_method"`
}

type OrderPaymentFailed struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type OrderCancelled struct {
	OrderID  string `json:"order_id"`
	Refunded bool   `json:"refunded"`
	Reason   string `json:"reason,omitempty"`
}

type OrderShipped struct {
	OrderID        string `json:"order_id"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url,omitempty"`
}

type OrderDelivered struct {
	OrderID string `json:"order_id"`
}

type OrderReturned struct {
	OrderID      string          `json:"order_id"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
}

// StockReleaseRequested asks the inventory consumer to put reserved units
// back. Consumers must treat it as idempotent per order.
type StockReleaseRequested struct {
	OrderID string      `json:"order_id"`
	Items   []OrderItem `json:"items"`
}
