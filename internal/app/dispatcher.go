package app

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/atmx/margin-engine/internal/liquidation"
)

// SpecialLiquidationStarter hands batches to the special liquidation
// workflow, which runs in another service.
type SpecialLiquidationStarter interface {
	StartSpecialLiquidation(ctx context.Context, cmd liquidation.StartSpecialLiquidationCommand) error
}

// Dispatcher routes bus messages: commands to the Handler, events to the
// Saga, special liquidation requests out of process.
type Dispatcher struct {
	handler *liquidation.Handler
	saga    *liquidation.Saga
	special SpecialLiquidationStarter
}

// Handle is a bus.Handler.
func (d *Dispatcher) Handle(ctx context.Context, msg liquidation.Message) error {
	switch m := msg.(type) {
	case liquidation.StartSpecialLiquidationCommand:
		return d.special.StartSpecialLiquidation(ctx, m)
	case liquidation.Command:
		return d.handler.Handle(ctx, m)
	case liquidation.Event:
		return d.saga.Handle(ctx, m)
	}
	return backoff.Permanent(fmt.Errorf("app: unroutable message %T", msg))
}
