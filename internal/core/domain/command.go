package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicProductAddSupply   = "product-add-supply"
	TopicProductAddSale     = "product-add-sale"
	TopicOrderOutcome       = "order-outcome"
	TopicProductCreate      = "product-create"
	TopicProductEdit        = "product-edit"
	TopicOrganizationCreate = "organization-create"
	TopicOrderCreate        = "order-create"
)

// Command is implemented only by SupplyCommand and SaleCommand.
type Command interface {
	Topic() string
	Product() string
	Order() string
	Fields() CommandFields
	isCommand()
}

// CommandFields is the payload shared by every stock command.
type CommandFields struct {
	OrderID        string          `json:"order_id,omitempty"`
	ProductID      string          `json:"product_id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	Quantity       int             `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Date           time.Time       `json:"date"`
}

type SupplyCommand struct {
	CommandFields
}

type SaleCommand struct {
	CommandFields
}

func (c SupplyCommand) Topic() string         { return TopicProductAddSupply }
func (c SupplyCommand) Product() string       { return c.ProductID }
func (c SupplyCommand) Order() string         { return c.OrderID }
func (c SupplyCommand) Fields() CommandFields { return c.CommandFields }
func (SupplyCommand) isCommand()              {}

func (c SaleCommand) Topic() string         { return TopicProductAddSale }
func (c SaleCommand) Product() string       { return c.ProductID }
func (c SaleCommand) Order() string         { return c.OrderID }
func (c SaleCommand) Fields() CommandFields { return c.CommandFields }
func (SaleCommand) isCommand()              {}

// Envelope wraps every payload travelling over the message channel.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Attempt   int             `json:"attempt"`
	Payload   json.RawMessage `json:"payload"`
}
