package liquidation

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// Sender delivers commands and events to their handlers.
type Sender interface {
	Send(ctx context.Context, msgs ...Message) error
}

// Accounts is the account cache as liquidation uses it.
type Accounts interface {
	TryGet(accountID string) (*model.Account, bool)
	TryStartLiquidation(ctx context.Context, accountID, operationID string) (ok bool, current string, err error)
	TryFinishLiquidation(ctx context.Context, accountID, reason, operationID string) (bool, error)
}

// Positions is the read side of the position store.
type Positions interface {
	Position(id string) (*model.Position, error)
	PositionsByAccount(accountID string) []*model.Position
}

// MarginCalculator values the maintenance margin of a position.
type MarginCalculator interface {
	MaintenanceMargin(ctx context.Context, p *model.Position) decimal.Decimal
}

// DayOffChecker reports whether an instrument is not trading now.
type DayOffChecker interface {
	IsDayOffNow(assetPairID string) bool
}

// LiquidityChecker validates a batch before it is sent to the market.
// It returns an error wrapping liquidity.ErrThresholdExceeded or
// liquidity.ErrNoLiquidity to request special liquidation.
type LiquidityChecker interface {
	Check(ctx context.Context, positions []*model.Position) error
}

// Closer closes one position and returns the resulting order.
type Closer interface {
	ClosePosition(ctx context.Context, positionID string, originator model.Originator, comment, operationID, reason string) (*model.Order, error)
}

// ExternalPublisher publishes completion events to other services.
type ExternalPublisher interface {
	PublishExternal(ctx context.Context, ev ExternalEvent) error
}
