package handler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type CommandProcessor interface {
	Process(ctx context.Context, cmd domain.Command) error
}

// CommandHandler turns envelopes from the stock topics into typed commands.
type CommandHandler struct {
	processor CommandProcessor
	logger    *zap.Logger
}

func NewCommandHandler(processor CommandProcessor, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		processor: processor,
		logger:    logger.Named("handler"),
	}
}

// Topics lists the topics Handle accepts.
func (h *CommandHandler) Topics() []string {
	return []string{domain.TopicProductAddSupply, domain.TopicProductAddSale}
}

// Handle returns only what the processor returns. Messages it cannot
// interpret are logged and acknowledged.
func (h *CommandHandler) Handle(ctx context.Context, env domain.Envelope) error {
	log := h.logger.With(zap.String("topic", env.Topic), zap.String("envelope_id", env.ID))

	var cmd domain.Command
	switch env.Topic {
	case domain.TopicProductAddSupply:
		var c domain.SupplyCommand
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			log.Error("invalid supply payload", zap.Error(err))
			return nil
		}
		cmd = c
	case domain.TopicProductAddSale:
		var c domain.SaleCommand
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			log.Error("invalid sale payload", zap.Error(err))
			return nil
		}
		cmd = c
	default:
		log.Warn("no handler for topic")
		return nil
	}

	log.Debug("dispatching command",
		zap.String("order_id", cmd.Order()),
		zap.String("product_id", cmd.Product()),
		zap.Int("attempt", env.Attempt))

	return h.processor.Process(ctx, cmd)
}
