// Package positions turns executed orders into position mutations: open,
// close, partial close and netting against opposite exposure, with the
// take-profit / stop-loss orders of each position kept in step.
//
// All volumes and prices use shopspring/decimal, never float64.
package positions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/store"
)

var (
	// ErrInvalidOrder is returned for executed orders the engine cannot apply.
	ErrInvalidOrder = errors.New("positions: invalid executed order")

	// ErrPositionNotFound is returned when a closing order names a position
	// that is not open.
	ErrPositionNotFound = errors.New("positions: position not found")

	// ErrEventsNotPublished wraps a publisher failure. The mutation has been
	// applied; redelivering the order would apply it twice.
	ErrEventsNotPublished = errors.New("positions: events not published")
)

// Engine applies executed orders to the position store. Mutations for one
// account are serialized; different accounts proceed in parallel.
type Engine struct {
	store     store.PositionStore
	locks     *AccountLocker
	pnl       PnLCalculator
	publisher Publisher
	now       func() time.Time
	newID     func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides how deal ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates a matching engine. A nil pnl defaults to LinearPnL; a
// nil publisher drops events.
func NewEngine(st store.PositionStore, pnl PnLCalculator, pub Publisher, opts ...Option) *Engine {
	if pnl == nil {
		pnl = LinearPnL{}
	}
	if pub == nil {
		pub = PublisherFunc(func(context.Context, ...Event) error { return nil })
	}
	e := &Engine{
		store:     st,
		locks:     NewAccountLocker(),
		pnl:       pnl,
		publisher: pub,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// mutation collects what one executed order did while the lock is held.
type mutation struct {
	order  *model.Order
	at     time.Time
	events []Event
}

func (m *mutation) emit(ev Event) {
	m.events = append(m.events, ev)
}

// OnOrderExecuted applies one executed order. The store has no rollback: an
// error returned before ErrEventsNotPublished may leave the account
// partially mutated and needs reconciliation, not a blind retry.
func (e *Engine) OnOrderExecuted(ctx context.Context, order *model.Order) error {
	if err := validateExecuted(order); err != nil {
		return err
	}
	order = order.Clone()
	if order.FxRate.IsZero() {
		order.FxRate = decimal.NewFromInt(1)
	}

	path := "net"
	switch {
	case order.ForceOpen:
		path = "force_open"
	case order.ParentPositionID != "":
		path = "close"
	}

	m := &mutation{order: order, at: e.now()}

	start := time.Now()
	err := func() error {
		unlock := e.locks.Lock(order.AccountID)
		defer unlock()
		switch path {
		case "force_open":
			return e.open(m, order.Volume)
		case "close":
			return e.closeParent(m)
		default:
			return e.net(m)
		}
	}()
	metrics.OrderLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.OrdersExecuted.WithLabelValues(path, "error").Inc()
		slog.Error("executed order failed",
			"order_id", order.ID,
			"account_id", order.AccountID,
			"path", path,
			"applied_events", len(m.events),
			"err", err,
		)
		return fmt.Errorf("order %s: %w", order.ID, err)
	}
	metrics.OrdersExecuted.WithLabelValues(path, "ok").Inc()

	slog.Debug("executed order applied",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"asset_pair", order.AssetPairID,
		"volume", order.Volume.String(),
		"path", path,
	)

	if len(m.events) == 0 {
		return nil
	}
	if err := e.publisher.Publish(ctx, m.events...); err != nil {
		return fmt.Errorf("order %s: %w: %v", order.ID, ErrEventsNotPublished, err)
	}
	return nil
}

func validateExecuted(o *model.Order) error {
	switch {
	case o == nil:
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	case o.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidOrder)
	case o.AccountID == "":
		return fmt.Errorf("%w: account id is required", ErrInvalidOrder)
	case o.AssetPairID == "":
		return fmt.Errorf("%w: asset pair is required", ErrInvalidOrder)
	case o.Volume.IsZero():
		return fmt.Errorf("%w: volume must be non-zero", ErrInvalidOrder)
	case !o.ExecutionPrice.IsPositive():
		return fmt.Errorf("%w: execution price must be positive", ErrInvalidOrder)
	case o.FxRate.IsNegative():
		return fmt.Errorf("%w: fx rate must not be negative", ErrInvalidOrder)
	}
	return nil
}

// --- Open ---

// open creates a position for volume (signed) with the order's id and wires
// the order's related orders to it.
func (e *Engine) open(m *mutation, volume decimal.Decimal) error {
	o := m.order
	opened := o.ExecutedAt
	if opened.IsZero() {
		opened = m.at
	}
	pos := &model.Position{
		ID:                   o.ID,
		AccountID:            o.AccountID,
		AssetPairID:          o.AssetPairID,
		Volume:               volume,
		OpenPrice:            o.ExecutionPrice,
		OpenFxRate:           o.FxRate,
		OpenDate:             opened,
		OpenTradeID:          o.ID,
		OpenMatchingEngineID: o.MatchingEngineID,
		ChargedPnL:           decimal.Zero,
		RelatedOrders:        append([]model.RelatedOrder(nil), o.RelatedOrders...),
		LegalEntity:          o.LegalEntity,
		ExternalProviderID:   o.ExternalProviderID,
	}
	if err := e.store.AddPosition(pos); err != nil {
		return err
	}
	metrics.PositionChanges.WithLabelValues("open").Inc()
	metrics.OpenPositions.Inc()

	m.emit(PositionHistoryEvent{Type: HistoryOpen, Position: *pos.Clone(), OrderID: o.ID, Timestamp: m.at})

	for _, rel := range pos.RelatedOrders {
		if err := e.activateRelated(m, rel, pos); err != nil {
			return err
		}
	}
	return nil
}

// activateRelated attaches a pending take-profit / stop-loss to its position
// and sizes it to close the whole position.
func (e *Engine) activateRelated(m *mutation, rel model.RelatedOrder, pos *model.Position) error {
	ro, err := e.store.Order(rel.ID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("related order missing", "order_id", rel.ID, "position_id", pos.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if ro.Status != model.OrderStatusInactive && ro.Status != model.OrderStatusActive {
		return nil
	}
	ro.Status = model.OrderStatusActive
	ro.ParentPositionID = pos.ID
	ro.Volume = pos.Volume.Neg()
	if err := e.store.UpdateOrder(ro); err != nil {
		return err
	}
	m.emit(OrderHistoryEvent{Change: OrderActivated, Order: *ro, Timestamp: m.at})
	return nil
}

// --- Close ---

// closeParent closes the position the order explicitly targets.
func (e *Engine) closeParent(m *mutation) error {
	o := m.order
	pos, err := e.store.Position(o.ParentPositionID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, o.ParentPositionID)
	}
	if err != nil {
		return err
	}
	if pos.AccountID != o.AccountID {
		return fmt.Errorf("%w: position %s belongs to account %s", ErrInvalidOrder, pos.ID, pos.AccountID)
	}
	if pos.AssetPairID != o.AssetPairID {
		return fmt.Errorf("%w: position %s is on %s", ErrInvalidOrder, pos.ID, pos.AssetPairID)
	}
	if pos.Direction() == o.Direction() {
		return fmt.Errorf("%w: order %s does not reduce position %s", ErrInvalidOrder, o.ID, pos.ID)
	}
	return e.closeFully(m, pos)
}

// closeFully realizes the whole position, removes it and cancels its
// related orders.
func (e *Engine) closeFully(m *mutation, pos *model.Position) error {
	deal := e.deal(m, pos, pos.Volume, pos.ChargedPnL)
	if _, err := e.store.RemovePosition(pos.ID); err != nil {
		return err
	}
	metrics.PositionChanges.WithLabelValues("close").Inc()
	metrics.OpenPositions.Dec()

	m.emit(PositionHistoryEvent{Type: HistoryClose, Position: *pos.Clone(), Deal: deal, OrderID: m.order.ID, Timestamp: m.at})
	m.emit(closedEvent(pos, deal))

	return e.cancelRelated(m, pos.RelatedOrders)
}

// partialClose realizes volume (signed like the position, strictly smaller
// in magnitude) and carves out the matching slice of charged PnL.
func (e *Engine) partialClose(m *mutation, pos *model.Position, volume decimal.Decimal) error {
	charged := chargedSlice(pos, volume)
	deal := e.deal(m, pos, volume, charged)

	pos.Volume = pos.Volume.Sub(volume)
	pos.ChargedPnL = pos.ChargedPnL.Sub(charged)
	if err := e.store.UpdatePosition(pos); err != nil {
		return err
	}
	metrics.PositionChanges.WithLabelValues("partial_close").Inc()

	m.emit(PositionHistoryEvent{Type: HistoryPartiallyClose, Position: *pos.Clone(), Deal: deal, OrderID: m.order.ID, Timestamp: m.at})
	m.emit(closedEvent(pos, deal))

	return e.resizeRelated(m, pos)
}

func (e *Engine) deal(m *mutation, pos *model.Position, volume, charged decimal.Decimal) *model.Deal {
	o := m.order
	return &model.Deal{
		ID:           e.newID(),
		PositionID:   pos.ID,
		AccountID:    pos.AccountID,
		AssetPairID:  pos.AssetPairID,
		Volume:       volume,
		OpenPrice:    pos.OpenPrice,
		ClosePrice:   o.ExecutionPrice,
		OpenFxRate:   pos.OpenFxRate,
		CloseFxRate:  o.FxRate,
		PnL:          e.pnl.ClosePnL(pos, o.ExecutionPrice, o.FxRate, volume),
		ChargedPnL:   charged,
		OpenTradeID:  pos.OpenTradeID,
		CloseTradeID: o.ID,
		Created:      m.at,
	}
}

func closedEvent(pos *model.Position, deal *model.Deal) PositionClosedEvent {
	return PositionClosedEvent{
		AccountID:   pos.AccountID,
		PositionID:  pos.ID,
		AssetPairID: pos.AssetPairID,
		DealID:      deal.ID,
		PnL:         deal.PnL,
		ChargedPnL:  deal.ChargedPnL,
	}
}

// --- Netting ---

// net closes opposite positions oldest first until the order's volume is
// used up, then opens the rest as a new position.
func (e *Engine) net(m *mutation) error {
	o := m.order
	dir := o.Direction()
	remaining := o.Volume.Abs()

	for _, pos := range e.store.PositionsByAccountAndInstrument(o.AccountID, o.AssetPairID) {
		if remaining.IsZero() {
			break
		}
		if pos.Direction() == dir {
			continue
		}

		size := pos.Volume.Abs()
		if size.LessThanOrEqual(remaining) {
			if err := e.closeFully(m, pos); err != nil {
				return err
			}
			remaining = remaining.Sub(size)
			continue
		}

		closing := remaining
		if pos.Direction() == model.DirectionShort {
			closing = closing.Neg()
		}
		if err := e.partialClose(m, pos, closing); err != nil {
			return err
		}
		remaining = decimal.Zero
	}

	if remaining.IsZero() {
		// Fully netted: nothing is left for the order's own TP/SL to protect.
		return e.cancelRelated(m, o.RelatedOrders)
	}
	if dir == model.DirectionShort {
		remaining = remaining.Neg()
	}
	return e.open(m, remaining)
}

// --- Related orders ---

func (e *Engine) cancelRelated(m *mutation, related []model.RelatedOrder) error {
	for _, rel := range related {
		ro, err := e.store.RemoveOrder(rel.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if ro.Status == model.OrderStatusExecuted || ro.Status == model.OrderStatusCancelled {
			continue
		}
		ro.Status = model.OrderStatusCancelled
		m.emit(OrderHistoryEvent{Change: OrderCancelled, Order: *ro, Timestamp: m.at})
	}
	return nil
}

func (e *Engine) resizeRelated(m *mutation, pos *model.Position) error {
	for _, rel := range pos.RelatedOrders {
		ro, err := e.store.Order(rel.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if ro.Status != model.OrderStatusActive {
			continue
		}
		ro.Volume = pos.Volume.Neg()
		if err := e.store.UpdateOrder(ro); err != nil {
			return err
		}
		m.emit(OrderHistoryEvent{Change: OrderResized, Order: *ro, Timestamp: m.at})
	}
	return nil
}
