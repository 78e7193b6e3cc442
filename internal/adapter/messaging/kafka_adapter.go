package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/port"
)

const (
	defaultMaxRedeliveries = 5
	defaultRetryBackoff    = 500 * time.Millisecond
	commitTimeout          = 5 * time.Second
)

var tracer = otel.Tracer("github.com/rl1809/stock-ledger/messaging")

// keyed payloads are partitioned by product so commands for one product keep
// their publish order.
type keyed interface {
	Product() string
}

type KafkaPublisher struct {
	writer *kafka.Writer
	now    func() time.Time
	newID  func() string
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload any) error {
	env, err := p.newEnvelope(topic, payload)
	if err != nil {
		return err
	}

	var key string
	if k, ok := payload.(keyed); ok {
		key = k.Product()
	}
	return p.write(ctx, env, key)
}

// Redeliver sends env back to its topic with the attempt counter advanced.
func (p *KafkaPublisher) Redeliver(ctx context.Context, env domain.Envelope, key []byte) error {
	env.Attempt = attemptOf(env) + 1
	return p.write(ctx, env, string(key))
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func (p *KafkaPublisher) newEnvelope(topic string, payload any) (domain.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	return domain.Envelope{
		ID:        p.newID(),
		Topic:     topic,
		Timestamp: p.now().UTC(),
		Attempt:   1,
		Payload:   data,
	}, nil
}

func (p *KafkaPublisher) write(ctx context.Context, env domain.Envelope, key string) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := kafka.Message{
		Topic: env.Topic,
		Value: value,
		Time:  env.Timestamp,
	}
	if key != "" {
		msg.Key = []byte(key)
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &msg.Headers})

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", env.Topic, err)
	}
	return nil
}

type SubscriberConfig struct {
	Brokers         []string
	GroupID         string
	MaxRedeliveries int
	RetryBackoff    time.Duration
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSubscriber delivers at least once: a message is committed only after
// the handler finished with it or it was handed back to the topic.
type KafkaSubscriber struct {
	cfg       SubscriberConfig
	newReader func(topic string) messageReader
	redeliver func(ctx context.Context, env domain.Envelope, key []byte) error
	logger    *zap.Logger
}

func NewKafkaSubscriber(cfg SubscriberConfig, publisher *KafkaPublisher, logger *zap.Logger) *KafkaSubscriber {
	if cfg.MaxRedeliveries < 0 {
		cfg.MaxRedeliveries = defaultMaxRedeliveries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	return &KafkaSubscriber{
		cfg: cfg,
		newReader: func(topic string) messageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:     cfg.Brokers,
				GroupID:     cfg.GroupID,
				Topic:       topic,
				StartOffset: kafka.FirstOffset,
				MaxWait:     time.Second,
			})
		},
		redeliver: publisher.Redeliver,
		logger:    logger.Named("kafka"),
	}
}

// Subscribe owns one reader in the consumer group and returns nil once ctx is
// cancelled.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, topic string, handler port.MessageHandler) error {
	reader := s.newReader(topic)
	defer func() {
		if err := reader.Close(); err != nil {
			s.logger.Warn("failed to close reader", zap.String("topic", topic), zap.Error(err))
		}
	}()

	log := s.logger.With(zap.String("topic", topic))
	log.Info("subscribed", zap.String("group_id", s.cfg.GroupID))

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("subscription stopped")
				return nil
			}
			log.Error("failed to fetch message", zap.Error(err))
			if !s.sleep(ctx) {
				return nil
			}
			continue
		}

		if !s.deliver(ctx, msg, handler, log) {
			return nil
		}

		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err = reader.CommitMessages(commitCtx, msg)
		cancel()
		if err != nil {
			log.Error("failed to commit message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// deliver reports whether msg is done with and may be committed.
func (s *KafkaSubscriber) deliver(ctx context.Context, msg kafka.Message, handler port.MessageHandler, log *zap.Logger) bool {
	log = log.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	env, err := decodeEnvelope(msg)
	if err != nil {
		log.Error("dropping undecodable message", zap.Error(err))
		return true
	}
	log = log.With(zap.String("envelope_id", env.ID), zap.Int("attempt", attemptOf(env)))

	hctx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &msg.Headers})
	hctx, span := tracer.Start(hctx, env.Topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", env.Topic),
			attribute.String("messaging.message.id", env.ID),
			attribute.Int("messaging.kafka.partition", msg.Partition),
		))
	defer span.End()

	err = handler(hctx, env)
	if err == nil {
		return true
	}
	span.RecordError(err)

	var retryable *port.RetryableError
	if !errors.As(err, &retryable) {
		span.SetStatus(codes.Error, err.Error())
		log.Error("handler failed, dropping message", zap.Error(err))
		return true
	}

	if !shouldRedeliver(attemptOf(env), s.cfg.MaxRedeliveries) {
		span.SetStatus(codes.Error, "redeliveries exhausted")
		log.Error("giving up after max redeliveries",
			zap.Int("max_redeliveries", s.cfg.MaxRedeliveries), zap.Error(err))
		return true
	}

	for {
		rerr := s.redeliver(context.WithoutCancel(hctx), env, msg.Key)
		if rerr == nil {
			log.Warn("message handed back for redelivery", zap.Error(err))
			return true
		}
		log.Error("failed to redeliver message", zap.Error(rerr))
		if !s.sleep(ctx) {
			return false
		}
	}
}

func (s *KafkaSubscriber) sleep(ctx context.Context) bool {
	timer := time.NewTimer(s.cfg.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func decodeEnvelope(msg kafka.Message) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Topic == "" {
		env.Topic = msg.Topic
	}
	if len(env.Payload) == 0 {
		return env, errors.New("decode envelope: empty payload")
	}
	return env, nil
}

func attemptOf(env domain.Envelope) int {
	if env.Attempt < 1 {
		return 1
	}
	return env.Attempt
}

// shouldRedeliver allows maxRedeliveries deliveries after the first.
func shouldRedeliver(attempt, maxRedeliveries int) bool {
	return attempt <= maxRedeliveries
}

type headerCarrier struct {
	headers *[]kafka.Header
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
