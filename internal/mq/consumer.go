package mq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Message is a delivery as seen by a handler
type Message struct {
	ID          string
	RoutingKey  string
	Body        []byte
	Redelivered bool
}

// MessageHandler processes one message. Returning an error rejects the
// message to the DLQ unless the error is marked with Retryable.
type MessageHandler func(ctx context.Context, msg Message) error

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient: the message is requeued once before it
// is dead-lettered.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable
func IsRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

// Consumer handles message consumption from RabbitMQ
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	prefetchCount int
	logger        *zap.Logger
	handler       MessageHandler
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       MessageHandler
}

// NewConsumer declares the ingest topology and creates a consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Set QoS (prefetch)
	err = ch.Qos(cfg.PrefetchCount, 0, false)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// DLQ first so rejected messages always have somewhere to go
	_, err = ch.QueueDeclare(
		cfg.DLQQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		// a failed declare closes the channel; an existing queue with other
		// arguments is reused as is
		cfg.Logger.Warn("failed to declare queue with DLX, retrying without DLX", zap.Error(err))
		ch, err = cfg.Connection.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to reopen channel: %w", err)
		}
		if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("failed to declare queue: %w", err)
		}
	}

	err = ch.QueueBind(
		cfg.Queue,
		cfg.RoutingKey,
		cfg.Exchange,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger,
		handler:       cfg.Handler,
	}, nil
}

// Start starts consuming messages until ctx is cancelled
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.handle(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	logger := c.logger.With(
		zap.String("routing_key", d.RoutingKey),
		zap.String("message_id", d.MessageId),
	)
	logger.Debug("received message", zap.Int("body_size", len(d.Body)))

	err := c.handler(ctx, Message{
		ID:          d.MessageId,
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		Redelivered: d.Redelivered,
	})
	if err != nil {
		requeue := IsRetryable(err) && !d.Redelivered
		logger.Error("failed to process message", zap.Error(err), zap.Bool("requeue", requeue))

		// NACK without requeue dead-letters the message
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		logger.Error("failed to ACK message", zap.Error(ackErr))
		return
	}
	logger.Debug("message acknowledged")
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}

// RegisterLifecycle starts consuming with the application and stops with it
func (c *Consumer) RegisterLifecycle(lc fx.Lifecycle) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return c.Start(ctx)
		},
		OnStop: func(context.Context) error {
			cancel()
			if err := c.Close(); err != nil {
				c.logger.Error("failed to close consumer channel", zap.Error(err))
				return err
			}
			c.logger.Info("consumer stopped")
			return nil
		},
	})
}
