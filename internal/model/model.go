// Package model defines the core domain types shared across the margin engine.
// All monetary values and volumes use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an exposure. It is always derived from the sign
// of a volume: positive is Long, negative is Short.
type Direction string

const (
	DirectionLong  Direction = "Long"
	DirectionShort Direction = "Short"
)

// DirectionOf returns the direction implied by a signed volume.
// Zero volume is reported as Long.
func DirectionOf(volume decimal.Decimal) Direction {
	if volume.IsNegative() {
		return DirectionShort
	}
	return DirectionLong
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusInactive  OrderStatus = "Inactive" // related order waiting for its position
	OrderStatusActive    OrderStatus = "Active"
	OrderStatusExecuted  OrderStatus = "Executed"
	OrderStatusRejected  OrderStatus = "Rejected"
	OrderStatusCancelled OrderStatus = "Cancelled"
)

// OrderType distinguishes market orders from the take-profit and stop-loss
// orders that are attached to a position.
type OrderType string

const (
	OrderTypeMarket     OrderType = "Market"
	OrderTypeLimit      OrderType = "Limit"
	OrderTypeTakeProfit OrderType = "TakeProfit"
	OrderTypeStopLoss   OrderType = "StopLoss"
)

// Originator tells who caused an order or an operation.
type Originator string

const (
	OriginatorInvestor Originator = "Investor"
	OriginatorBroker   Originator = "Broker"
	OriginatorSystem   Originator = "System"
)

// RelatedOrder links a position (or the order that opens it) to one of its
// take-profit / stop-loss orders.
type RelatedOrder struct {
	ID   string    `json:"id"`
	Type OrderType `json:"type"`
}

// Order is an order as seen by the position engine. Executed market orders
// are the engine's input; take-profit and stop-loss orders live in the
// position store as pending orders.
type Order struct {
	ID                 string          `json:"id"`
	AccountID          string          `json:"account_id"`
	AssetPairID        string          `json:"asset_pair_id"`
	Type               OrderType       `json:"type"`
	Status             OrderStatus     `json:"status"`
	Volume             decimal.Decimal `json:"volume"` // signed: +buy, -sell
	ExecutionPrice     decimal.Decimal `json:"execution_price"`
	FxRate             decimal.Decimal `json:"fx_rate"`
	ExecutedAt         time.Time       `json:"executed_at"`
	MatchingEngineID   string          `json:"matching_engine_id"`
	ParentPositionID   string          `json:"parent_position_id,omitempty"`
	ParentOrderID      string          `json:"parent_order_id,omitempty"`
	ForceOpen          bool            `json:"force_open"`
	RelatedOrders      []RelatedOrder  `json:"related_orders,omitempty"`
	Originator         Originator      `json:"originator"`
	Comment            string          `json:"comment,omitempty"`
	RejectReasonText   string          `json:"reject_reason_text,omitempty"`
	LegalEntity        string          `json:"legal_entity"`
	ExternalProviderID string          `json:"external_provider_id,omitempty"`
}

// Direction returns the side of the order.
func (o *Order) Direction() Direction {
	return DirectionOf(o.Volume)
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.RelatedOrders = append([]RelatedOrder(nil), o.RelatedOrders...)
	return &c
}

// Position is a net open exposure on one instrument for one account.
// |Volume| strictly decreases on partial closes; the position leaves the
// store when it reaches zero.
type Position struct {
	ID                   string          `json:"id"`
	AccountID            string          `json:"account_id"`
	AssetPairID          string          `json:"asset_pair_id"`
	Volume               decimal.Decimal `json:"volume"` // signed
	OpenPrice            decimal.Decimal `json:"open_price"`
	OpenFxRate           decimal.Decimal `json:"open_fx_rate"`
	OpenDate             time.Time       `json:"open_date"`
	OpenTradeID          string          `json:"open_trade_id"`
	OpenMatchingEngineID string          `json:"open_matching_engine_id"`
	ChargedPnL           decimal.Decimal `json:"charged_pnl"`
	RelatedOrders        []RelatedOrder  `json:"related_orders,omitempty"`
	LegalEntity          string          `json:"legal_entity"`
	ExternalProviderID   string          `json:"external_provider_id,omitempty"`
}

// Direction returns the side of the position.
func (p *Position) Direction() Direction {
	return DirectionOf(p.Volume)
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	c := *p
	c.RelatedOrders = append([]RelatedOrder(nil), p.RelatedOrders...)
	return &c
}

// Deal is the record of one close or partial close of a position.
type Deal struct {
	ID           string          `json:"id"`
	PositionID   string          `json:"position_id"`
	AccountID    string          `json:"account_id"`
	AssetPairID  string          `json:"asset_pair_id"`
	Volume       decimal.Decimal `json:"volume"` // signed like the position
	OpenPrice    decimal.Decimal `json:"open_price"`
	ClosePrice   decimal.Decimal `json:"close_price"`
	OpenFxRate   decimal.Decimal `json:"open_fx_rate"`
	CloseFxRate  decimal.Decimal `json:"close_fx_rate"`
	PnL          decimal.Decimal `json:"pnl"`
	ChargedPnL   decimal.Decimal `json:"charged_pnl"` // slice of the position's charged PnL realized by this deal
	OpenTradeID  string          `json:"open_trade_id"`
	CloseTradeID string          `json:"close_trade_id"`
	Created      time.Time       `json:"created"`
}
