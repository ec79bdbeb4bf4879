package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/atmx/margin-engine/internal/liquidation"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/positions"
)

// Reader is the part of *kafka.Reader a Consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageHandler processes one Kafka message. Errors wrapped with
// backoff.Permanent skip the message.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// Consumer reads a topic, handles each message and commits it. A message is
// retried in place until it succeeds, fails permanently or exhausts
// MaxRetries, so the partition order is kept.
type Consumer struct {
	name       string
	reader     Reader
	handle     MessageHandler
	maxRetries uint64
}

// NewReader creates a consumer-group reader for topic.
func NewReader(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
}

// NewConsumer creates a consumer. maxRetries 0 retries forever.
func NewConsumer(name string, r Reader, handle MessageHandler, maxRetries uint64) *Consumer {
	return &Consumer{name: name, reader: r, handle: handle, maxRetries: maxRetries}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("consumer starting", "consumer", c.name)
	defer func() {
		if err := c.reader.Close(); err != nil {
			slog.Warn("close reader", "consumer", c.name, "err", err)
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: fetch: %w", c.name, err)
		}

		c.process(ctx, msg)
		if ctx.Err() != nil {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: commit offset %d: %w", c.name, msg.Offset, err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	log := slog.With("consumer", c.name, "partition", msg.Partition, "offset", msg.Offset)

	var b backoff.BackOff = backoff.NewExponentialBackOff()
	if c.maxRetries > 0 {
		b = backoff.WithMaxRetries(b, c.maxRetries)
	}
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.handle(ctx, msg)
		var perm *backoff.PermanentError
		if err != nil && !errors.As(err, &perm) {
			log.Warn("message failed, retrying", "attempt", attempt, "err", err)
		}
		return err
	}, backoff.WithContext(b, ctx))

	if err != nil && ctx.Err() == nil {
		log.Error("message skipped", "attempts", attempt, "err", err)
	}
}

// OrdersHandler applies executed orders from the matching engine.
func OrdersHandler(engine interface {
	OnOrderExecuted(ctx context.Context, order *model.Order) error
}) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var order model.Order
		if err := json.Unmarshal(msg.Value, &order); err != nil {
			return backoff.Permanent(fmt.Errorf("decode executed order: %w", err))
		}
		err := engine.OnOrderExecuted(ctx, &order)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, positions.ErrEventsNotPublished):
			// Applied; a retry would apply it twice.
			slog.Error("executed order applied without events", "order_id", order.ID, "err", err)
			return nil
		case errors.Is(err, positions.ErrInvalidOrder), errors.Is(err, positions.ErrPositionNotFound):
			return backoff.Permanent(err)
		}
		return err
	}
}

// CommandsHandler forwards liquidation commands to sender.
func CommandsHandler(sender liquidation.Sender) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		cmd, err := DecodeCommand(msg.Value)
		if err != nil {
			return backoff.Permanent(err)
		}
		slog.Debug("liquidation command received", "command", cmd.Name(), "operation_id", cmd.Operation())
		return sender.Send(ctx, cmd)
	}
}

// AccountsHandler applies account snapshots from the account management
// service.
func AccountsHandler(cache interface{ Upsert(acc *model.Account) }) MessageHandler {
	return func(_ context.Context, msg kafka.Message) error {
		var acc model.Account
		if err := json.Unmarshal(msg.Value, &acc); err != nil {
			return backoff.Permanent(fmt.Errorf("decode account snapshot: %w", err))
		}
		if acc.ID == "" {
			return backoff.Permanent(errors.New("account snapshot without id"))
		}
		cache.Upsert(&acc)
		return nil
	}
}
