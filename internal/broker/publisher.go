package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/margin-engine/internal/liquidation"
	"github.com/atmx/margin-engine/internal/positions"
)

// Topics names the topics the service writes to.
type Topics struct {
	PositionHistory    string
	LiquidationEvents  string
	SpecialLiquidation string
}

// Writer is the part of *kafka.Writer a Publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes outbound events to Kafka. Messages are keyed by account
// or operation so each keeps its order within a partition.
type Publisher struct {
	writer Writer
	topics Topics
}

// NewWriter creates a writer that takes the topic from each message.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewPublisher creates a publisher over w.
func NewPublisher(w Writer, topics Topics) *Publisher {
	return &Publisher{writer: w, topics: topics}
}

// Publish writes position engine events.
func (p *Publisher) Publish(ctx context.Context, events ...positions.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := encode(positionEventName(ev), ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.topics.PositionHistory,
			Key:   []byte(positionEventKey(ev)),
			Value: value,
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d position events: %w", len(msgs), err)
	}
	return nil
}

// PublishExternal writes a liquidation outcome.
func (p *Publisher) PublishExternal(ctx context.Context, ev liquidation.ExternalEvent) error {
	value, err := encode(ev.Name(), ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{Topic: p.topics.LiquidationEvents, Key: []byte(ev.Operation()), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s %s: %w", ev.Name(), ev.Operation(), err)
	}
	return nil
}

// StartSpecialLiquidation hands a batch to the special liquidation workflow.
func (p *Publisher) StartSpecialLiquidation(ctx context.Context, cmd liquidation.StartSpecialLiquidationCommand) error {
	value, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	msg := kafka.Message{Topic: p.topics.SpecialLiquidation, Key: []byte(cmd.AccountID), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish special liquidation %s: %w", cmd.OperationID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// LogPublisher stands in for Kafka when no brokers are configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, events ...positions.Event) error {
	for _, ev := range events {
		slog.Info("position event", "event", positionEventName(ev), "account_id", positionEventKey(ev))
	}
	return nil
}

func (LogPublisher) PublishExternal(_ context.Context, ev liquidation.ExternalEvent) error {
	slog.Info("liquidation event", "event", ev.Name(), "operation_id", ev.Operation())
	return nil
}

func (LogPublisher) StartSpecialLiquidation(_ context.Context, cmd liquidation.StartSpecialLiquidationCommand) error {
	slog.Warn("special liquidation requested with no broker configured",
		"operation_id", cmd.OperationID,
		"causation_operation_id", cmd.CausationOperationID,
		"positions", len(cmd.PositionIDs),
	)
	return nil
}

func (LogPublisher) Close() error { return nil }
