package positions

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// Event is anything the engine emits after applying an executed order.
type Event interface {
	positionEvent()
}

// HistoryType is the kind of position history record.
type HistoryType string

const (
	HistoryOpen           HistoryType = "Open"
	HistoryPartiallyClose HistoryType = "PartiallyClose"
	HistoryClose          HistoryType = "Close"
)

// PositionHistoryEvent is the outward trade / position history record.
// Position is the state after the change; for a full close it is the last
// state before removal. Deal is set for closes only.
type PositionHistoryEvent struct {
	Type      HistoryType    `json:"type"`
	Position  model.Position `json:"position"`
	Deal      *model.Deal    `json:"deal,omitempty"`
	OrderID   string         `json:"order_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// OrderChange is the kind of related-order update.
type OrderChange string

const (
	OrderActivated OrderChange = "Activated"
	OrderCancelled OrderChange = "Cancelled"
	OrderResized   OrderChange = "Resized"
)

// OrderHistoryEvent records a take-profit / stop-loss order update.
type OrderHistoryEvent struct {
	Change    OrderChange `json:"change"`
	Order     model.Order `json:"order"`
	Timestamp time.Time   `json:"timestamp"`
}

// PositionClosedEvent carries realized PnL to balance bookkeeping.
type PositionClosedEvent struct {
	AccountID   string          `json:"account_id"`
	PositionID  string          `json:"position_id"`
	AssetPairID string          `json:"asset_pair_id"`
	DealID      string          `json:"deal_id"`
	PnL         decimal.Decimal `json:"pnl"`
	ChargedPnL  decimal.Decimal `json:"charged_pnl"`
}

func (PositionHistoryEvent) positionEvent() {}
func (OrderHistoryEvent) positionEvent() {}
func (PositionClosedEvent) positionEvent() {}

// Publisher delivers engine events. It is called after the account lock is
// released.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, events ...Event) error

func (f PublisherFunc) Publish(ctx context.Context, events ...Event) error {
	return f(ctx, events...)
}
