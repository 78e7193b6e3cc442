package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            string
	Name          string
	TotalQuantity int // sum of open lots' RemainingQuantity
	Deleted       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SupplyLot is one received batch of a product. Lots are consumed oldest Date first.
type SupplyLot struct {
	ID                string
	ProductID         string
	Quantity          int
	RemainingQuantity int
	Date              time.Time
	Price             decimal.Decimal
	Deleted           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Sale is append-only: one record per successful sale command.
type Sale struct {
	ID        string
	ProductID string
	OrderID   string
	Quantity  int
	Date      time.Time
	Price     decimal.Decimal
	CreatedAt time.Time
}
