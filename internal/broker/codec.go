// Package broker connects the engine to Kafka: executed orders and
// liquidation commands come in, position history and liquidation outcomes
// go out. Every message is a JSON envelope naming its payload type.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atmx/margin-engine/internal/liquidation"
	"github.com/atmx/margin-engine/internal/positions"
)

// ErrUnknownMessage is returned for envelopes this service does not handle.
var ErrUnknownMessage = errors.New("broker: unknown message")

// Envelope is the wire format of every topic.
type Envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

func encode(name string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return json.Marshal(Envelope{Name: name, Payload: raw})
}

// commandDecoders lists the commands accepted from other services.
var commandDecoders = map[string]func(json.RawMessage) (liquidation.Command, error){
	liquidation.StartLiquidationCommand{}.Name():   decodeAs[liquidation.StartLiquidationCommand],
	liquidation.FailLiquidationCommand{}.Name():    decodeAs[liquidation.FailLiquidationCommand],
	liquidation.FinishLiquidationCommand{}.Name():  decodeAs[liquidation.FinishLiquidationCommand],
	liquidation.ResumeLiquidationCommand{}.Name():  decodeAs[liquidation.ResumeLiquidationCommand],
	liquidation.LiquidatePositionsCommand{}.Name(): decodeAs[liquidation.LiquidatePositionsCommand],
}

func decodeAs[T liquidation.Command](raw json.RawMessage) (liquidation.Command, error) {
	var c T
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return c, nil
}

// DecodeCommand parses an envelope into a liquidation command.
func DecodeCommand(data []byte) (liquidation.Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	dec, ok := commandDecoders[env.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Name)
	}
	cmd, err := dec(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Name, err)
	}
	if cmd.Operation() == "" {
		return nil, fmt.Errorf("decode %s: operation id is required", env.Name)
	}
	return cmd, nil
}

// EncodeCommand wraps a liquidation command in an envelope.
func EncodeCommand(c liquidation.Command) ([]byte, error) {
	return encode(c.Name(), c)
}

func positionEventName(ev positions.Event) string {
	switch ev.(type) {
	case positions.PositionHistoryEvent:
		return "PositionHistoryEvent"
	case positions.OrderHistoryEvent:
		return "OrderHistoryEvent"
	case positions.PositionClosedEvent:
		return "PositionClosedEvent"
	}
	return fmt.Sprintf("%T", ev)
}

func positionEventKey(ev positions.Event) string {
	switch e := ev.(type) {
	case positions.PositionHistoryEvent:
		return e.Position.AccountID
	case positions.OrderHistoryEvent:
		return e.Order.AccountID
	case positions.PositionClosedEvent:
		return e.AccountID
	}
	return ""
}
