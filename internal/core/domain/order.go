package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusSucceeded OrderStatus = "succeeded"
	OrderStatusFailed    OrderStatus = "failed"
)

type OrderType string

const (
	OrderTypeSupply OrderType = "supply"
	OrderTypeSale   OrderType = "sale"
)

type Order struct {
	ID             string
	ProductID      string
	OrganizationID string
	Quantity       int
	Price          decimal.Decimal
	Date           time.Time
	Type           OrderType
	Status         OrderStatus
	Detail         string
	Archived       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// IsTerminal reports whether the order has already succeeded or failed.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusSucceeded || o.Status == OrderStatusFailed
}

// IsSuccessful returns nil while the order is pending.
func (o *Order) IsSuccessful() *bool {
	switch o.Status {
	case OrderStatusSucceeded:
		ok := true
		return &ok
	case OrderStatusFailed:
		ok := false
		return &ok
	default:
		return nil
	}
}

// OrderOutcome is published once an order reaches a terminal state.
type OrderOutcome struct {
	OrderID     string      `json:"order_id"`
	ProductID   string      `json:"product_id"`
	Type        OrderType   `json:"type"`
	Status      OrderStatus `json:"status"`
	Detail      string      `json:"detail,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
}

func NewOrderOutcome(o *Order) OrderOutcome {
	out := OrderOutcome{
		OrderID:   o.ID,
		ProductID: o.ProductID,
		Type:      o.Type,
		Status:    o.Status,
		Detail:    o.Detail,
	}
	if o.CompletedAt != nil {
		out.CompletedAt = *o.CompletedAt
	}
	return out
}
