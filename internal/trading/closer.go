// Package trading executes the close orders a liquidation asks for. It
// prices each order from the quote router and hands it to the position
// engine as if the matching engine had filled it.
package trading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/positions"
	"github.com/atmx/margin-engine/internal/pricing"
	"github.com/atmx/margin-engine/internal/store"
)

// MatchingEngineID tags orders filled by this service.
const MatchingEngineID = "margin-engine"

var closeOrderNS = uuid.MustParse("7d0c6a43-92e1-4b1f-8f3e-5b2a19c4d8e0")

// PositionReader looks up open positions.
type PositionReader interface {
	Position(id string) (*model.Position, error)
}

// Quoter prices a close.
type Quoter interface {
	CloseQuote(ctx context.Context, assetPairID string, netVolume decimal.Decimal, externalProviderID string) (pricing.Quote, bool, error)
}

// Executor applies an executed order.
type Executor interface {
	OnOrderExecuted(ctx context.Context, order *model.Order) error
}

// Closer closes single positions at market.
type Closer struct {
	positions PositionReader
	quotes    Quoter
	engine    Executor
	now       func() time.Time
}

// NewCloser creates a Closer.
func NewCloser(positions PositionReader, quotes Quoter, engine Executor) *Closer {
	return &Closer{
		positions: positions,
		quotes:    quotes,
		engine:    engine,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CloseOrderID is the id of the order closing positionID for operationID.
// Repeating a close for the same operation yields the same order id.
func CloseOrderID(operationID, positionID string) string {
	return uuid.NewSHA1(closeOrderNS, []byte(operationID+"/"+positionID)).String()
}

// ClosePosition closes the whole position. Business rejections (position
// gone, no price) come back as a Rejected order; only infrastructure
// failures are returned as errors.
func (c *Closer) ClosePosition(ctx context.Context, positionID string, originator model.Originator, comment, operationID, reason string) (*model.Order, error) {
	order := &model.Order{
		ID:               CloseOrderID(operationID, positionID),
		Type:             model.OrderTypeMarket,
		Status:           model.OrderStatusRejected,
		ParentPositionID: positionID,
		Originator:       originator,
		Comment:          comment,
		MatchingEngineID: MatchingEngineID,
	}
	log := slog.With("position_id", positionID, "operation_id", operationID, "order_id", order.ID, "reason", reason)

	pos, err := c.positions.Position(positionID)
	if errors.Is(err, store.ErrNotFound) {
		order.RejectReasonText = "position not found"
		return order, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s: %w", positionID, err)
	}

	order.AccountID = pos.AccountID
	order.AssetPairID = pos.AssetPairID
	order.Volume = pos.Volume.Neg()
	order.LegalEntity = pos.LegalEntity
	order.ExternalProviderID = pos.ExternalProviderID

	quote, ok, err := c.quotes.CloseQuote(ctx, pos.AssetPairID, pos.Volume, pos.ExternalProviderID)
	if err != nil {
		return nil, fmt.Errorf("price close of %s: %w", positionID, err)
	}
	if !ok {
		order.RejectReasonText = fmt.Sprintf("no quote for %s", pos.AssetPairID)
		log.Warn("close rejected", "err", order.RejectReasonText)
		return order, nil
	}

	order.Status = model.OrderStatusExecuted
	order.ExecutionPrice = quote.Price
	order.FxRate = quote.FxRate
	order.ExecutedAt = c.now()

	err = c.engine.OnOrderExecuted(ctx, order)
	switch {
	case err == nil:
	case errors.Is(err, positions.ErrEventsNotPublished):
		// The position is closed; only its history is missing.
		log.Error("close applied without events", "err", err)
	case errors.Is(err, positions.ErrPositionNotFound):
		order.Status = model.OrderStatusRejected
		order.RejectReasonText = "position not found"
		return order, nil
	default:
		return nil, fmt.Errorf("execute close of %s: %w", positionID, err)
	}

	log.Info("position closed", "price", quote.Price.String(), "volume", order.Volume.String())
	return order, nil
}
