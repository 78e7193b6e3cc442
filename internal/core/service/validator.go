package service

import (
	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type ValidationResult struct {
	Valid   bool
	Message string
}

func invalid(msg string) ValidationResult {
	return ValidationResult{Message: msg}
}

// Validate checks the shape of a command without touching storage. Rules are
// evaluated in a fixed order and the first violation is reported.
func Validate(cmd domain.Command) ValidationResult {
	if cmd == nil {
		return invalid("command is required")
	}

	f := cmd.Fields()
	if f.Quantity < 1 {
		return invalid("quantity must be at least 1")
	}
	if f.ProductID == "" {
		return invalid("product id is required")
	}
	if f.Price.IsNegative() {
		return invalid("price must not be negative")
	}
	if f.Date.IsZero() {
		return invalid("date is required")
	}

	if _, ok := cmd.(domain.SaleCommand); ok && f.OrderID == "" {
		return invalid("order id is required")
	}

	return ValidationResult{Valid: true}
}
