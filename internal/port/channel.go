package port

import (
	"context"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type Publisher interface {
	// Publish wraps payload in an envelope and sends it to topic.
	Publish(ctx context.Context, topic string, payload any) error
}

// MessageHandler returns a RetryableError to request redelivery.
type MessageHandler func(ctx context.Context, env domain.Envelope) error

type Subscriber interface {
	// Subscribe blocks, delivering messages at least once until ctx is done.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
}

// RetryableError marks a delivery that was abandoned and may succeed later.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}
