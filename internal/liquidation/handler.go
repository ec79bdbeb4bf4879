package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/atmx/margin-engine/internal/accounts"
	"github.com/atmx/margin-engine/internal/liquidity"
	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/store"
)

// ReasonPositionNotFound is the comment for a requested position that is no
// longer open on the account.
const ReasonPositionNotFound = "position not found"

// Handler processes liquidation commands. It keeps no state of its own:
// everything it needs is in the execution info store and the caches.
type Handler struct {
	repo      *Repository
	accounts  Accounts
	positions Positions
	liquidity LiquidityChecker
	closer    Closer
	executor  *Executor
	sender    Sender
	faults    FaultInjector
	now       func() time.Time
}

// HandlerDeps are the collaborators of a Handler. Faults and Now are optional.
type HandlerDeps struct {
	Repository *Repository
	Accounts   Accounts
	Positions  Positions
	Liquidity  LiquidityChecker
	Closer     Closer
	Executor   *Executor
	Sender     Sender
	Faults     FaultInjector
	Now        func() time.Time
}

// NewHandler creates a command handler.
func NewHandler(deps HandlerDeps) *Handler {
	h := &Handler{
		repo:      deps.Repository,
		accounts:  deps.Accounts,
		positions: deps.Positions,
		liquidity: deps.Liquidity,
		closer:    deps.Closer,
		executor:  deps.Executor,
		sender:    deps.Sender,
		faults:    deps.Faults,
		now:       deps.Now,
	}
	if h.faults == nil {
		h.faults = NoFaults{}
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	return h
}

// Handle dispatches one command. StartSpecialLiquidationCommand belongs to
// the special liquidation workflow and is rejected here.
func (h *Handler) Handle(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case StartLiquidationCommand:
		return h.startLiquidation(ctx, c)
	case FailLiquidationCommand:
		return h.failLiquidation(ctx, c)
	case FinishLiquidationCommand:
		return h.finishLiquidation(ctx, c)
	case LiquidatePositionsCommand:
		return h.liquidatePositions(ctx, c)
	case ResumeLiquidationCommand:
		return h.resumeLiquidation(ctx, c)
	default:
		return backoff.Permanent(fmt.Errorf("liquidation: unexpected command %s", cmd.Name()))
	}
}

func (h *Handler) header(operationID string) Header {
	return Header{OperationID: operationID, CreationTime: h.now()}
}

// --- StartLiquidation ---

func (h *Handler) startLiquidation(ctx context.Context, c StartLiquidationCommand) error {
	log := slog.With("operation_id", c.OperationID, "account_id", c.AccountID)

	if reason := validateStart(c); reason != "" {
		return h.reject(ctx, c, reason)
	}
	if _, ok := h.accounts.TryGet(c.AccountID); !ok {
		return h.reject(ctx, c, accountMissing(c.AccountID))
	}

	exec, _, err := h.repo.GetOrAdd(ctx, c.OperationID, func() OperationData {
		typ := c.LiquidationType
		if typ == "" {
			typ = TypeNormal
		}
		targeted := c.AssetPairID != ""
		return OperationData{
			State:                 StateInitiated,
			AccountID:             c.AccountID,
			AssetPairID:           c.AssetPairID,
			Direction:             c.Direction,
			QuoteInfo:             c.QuoteInfo,
			ProcessedPositionIDs:  []string{},
			LiquidatedPositionIDs: []string{},
			IsPartial:             targeted || typ == TypeMco,
			Type:                  typ,
			OriginatorType:        c.OriginatorType,
			AdditionalInfo:        c.AdditionalInfo,
			StartedAt:             h.now(),
		}
	})
	if err != nil {
		return fmt.Errorf("create liquidation %s: %w", c.OperationID, err)
	}
	if exec.Data.State != StateInitiated {
		log.Debug("liquidation already past start", "state", exec.Data.State)
		return nil
	}

	ok, current, err := h.accounts.TryStartLiquidation(ctx, c.AccountID, c.OperationID)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return h.reject(ctx, c, accountMissing(c.AccountID))
	}
	if err != nil {
		return err
	}
	if !ok && current != c.OperationID {
		return h.reject(ctx, c, fmt.Sprintf("Liquidation is already in progress by %s", current))
	}
	if ok {
		metrics.LiquidationsStarted.Inc()
	}

	if err := h.faults.Inject(ctx, FaultStartAfterLock, c.OperationID); err != nil {
		return err
	}

	log.Info("liquidation started", "type", exec.Data.Type, "asset_pair", c.AssetPairID, "direction", c.Direction)
	return h.sender.Send(ctx, LiquidationStarted{Header: h.header(c.OperationID), AccountID: c.AccountID})
}

// reject refuses a start that never took the account. Other services get
// the failed completion; the liquidation lock is left alone.
func (h *Handler) reject(ctx context.Context, c StartLiquidationCommand, reason string) error {
	slog.Warn("liquidation rejected", "operation_id", c.OperationID, "account_id", c.AccountID, "reason", reason)
	if err := h.executor.Reject(ctx, c, reason); err != nil {
		return err
	}
	return h.sender.Send(ctx, LiquidationFailed{Header: h.header(c.OperationID), AccountID: c.AccountID, Reason: reason})
}

func accountMissing(accountID string) string {
	return fmt.Sprintf("Account %s does not exist", accountID)
}

func validateStart(c StartLiquidationCommand) string {
	switch {
	case c.OperationID == "":
		return "Operation id is required"
	case c.AccountID == "":
		return "Account id is required"
	case (c.AssetPairID == "") != (c.Direction == ""):
		return "Instrument and direction should be both empty or both set"
	case c.Direction != "" && !c.Direction.Valid():
		return fmt.Sprintf("Unknown direction %s", c.Direction)
	case !c.LiquidationType.Valid():
		return fmt.Sprintf("Unknown liquidation type %s", c.LiquidationType)
	}
	return ""
}

// --- FailLiquidation / FinishLiquidation ---

func (h *Handler) failLiquidation(ctx context.Context, c FailLiquidationCommand) error {
	exec, ok, err := h.load(ctx, c.OperationID)
	if err != nil || !ok {
		return err
	}
	log := slog.With("operation_id", c.OperationID, "account_id", exec.Data.AccountID)

	switch exec.Data.State {
	case StateFinished:
		log.Warn("fail requested for a finished liquidation", "reason", c.Reason)
		return nil
	case StateFailed:
		log.Debug("liquidation already failed")
		return nil
	}

	if err := h.executor.Fail(ctx, exec.Data.AccountID, c.OperationID, c.Reason); err != nil {
		if !errors.Is(err, ErrLiquidationNotInProgress) {
			return err
		}
		log.Warn("liquidation lock already released, completing saga", "reason", c.Reason)
	}
	return h.sender.Send(ctx, LiquidationFailed{Header: h.header(c.OperationID), AccountID: exec.Data.AccountID, Reason: c.Reason})
}

func (h *Handler) finishLiquidation(ctx context.Context, c FinishLiquidationCommand) error {
	exec, ok, err := h.load(ctx, c.OperationID)
	if err != nil || !ok {
		return err
	}
	log := slog.With("operation_id", c.OperationID, "account_id", exec.Data.AccountID)
	if exec.Data.State.Terminal() {
		log.Debug("liquidation already ended", "state", exec.Data.State)
		return nil
	}

	// A redelivery after the release finds the lock free; the saga still
	// needs its terminal event.
	if err := h.executor.Finish(ctx, exec.Data.AccountID, c.OperationID, c.Reason); err != nil {
		if !errors.Is(err, ErrLiquidationNotInProgress) {
			return err
		}
		log.Warn("liquidation lock already released, completing saga", "reason", c.Reason)
	}
	return h.sender.Send(ctx, LiquidationFinished{Header: h.header(c.OperationID), AccountID: exec.Data.AccountID, Reason: c.Reason})
}

// --- LiquidatePositions ---

func (h *Handler) liquidatePositions(ctx context.Context, c LiquidatePositionsCommand) error {
	exec, ok, err := h.load(ctx, c.OperationID)
	if err != nil || !ok {
		return err
	}
	data := exec.Data
	log := slog.With("operation_id", c.OperationID, "account_id", data.AccountID, "asset_pair", c.AssetPairID)

	if data.State != StateStarted {
		log.Debug("batch ignored", "state", data.State)
		return nil
	}

	var (
		found []*model.Position
		infos []LiquidationInfo
	)
	for _, id := range c.PositionIDs {
		p, err := h.positions.Position(id)
		if err != nil || p.AccountID != data.AccountID {
			infos = append(infos, LiquidationInfo{PositionID: id, Comment: ReasonPositionNotFound})
			continue
		}
		found = append(found, p)
	}

	if len(found) == 0 {
		log.Warn("no positions of the batch are open", "requested", len(c.PositionIDs))
		return h.sender.Send(ctx, PositionsLiquidationFinished{Header: h.header(c.OperationID), LiquidationInfos: infos})
	}

	if err := h.liquidity.Check(ctx, found); err != nil {
		if errors.Is(err, liquidity.ErrThresholdExceeded) || errors.Is(err, liquidity.ErrNoLiquidity) {
			metrics.LiquidityRejections.Inc()
			log.Warn("not enough liquidity", "details", err.Error())
			return h.sender.Send(ctx, NotEnoughLiquidity{
				Header:      h.header(c.OperationID),
				PositionIDs: positionIDs(found),
				Details:     err.Error(),
			})
		}
		return fmt.Errorf("liquidity check %s: %w", c.OperationID, err)
	}

	comment := fmt.Sprintf("%s liquidation", data.Type)
	for _, p := range found {
		infos = append(infos, h.closeOne(ctx, p, data, c.OperationID, comment))
	}

	if err := h.faults.Inject(ctx, FaultLiquidateAfterClose, c.OperationID); err != nil {
		return err
	}

	return h.sender.Send(ctx, PositionsLiquidationFinished{Header: h.header(c.OperationID), LiquidationInfos: infos})
}

// closeOne closes a single position; failures are reported, not returned,
// so one position cannot stop the rest of the batch.
func (h *Handler) closeOne(ctx context.Context, p *model.Position, data OperationData, operationID, comment string) LiquidationInfo {
	info := LiquidationInfo{PositionID: p.ID}

	order, err := h.closer.ClosePosition(ctx, p.ID, data.OriginatorType, comment, operationID, "Liquidation")
	switch {
	case err != nil:
		info.Comment = fmt.Sprintf("Close position failed: %v", err)
	case order.Status != model.OrderStatusExecuted:
		info.Comment = fmt.Sprintf("Order %s %s: %s", order.ID, order.Status, order.RejectReasonText)
	default:
		info.IsLiquidated = true
		info.Comment = fmt.Sprintf("Order %s executed", order.ID)
	}

	result := "closed"
	if !info.IsLiquidated {
		result = "failed"
		slog.Warn("position not liquidated", "operation_id", operationID, "position_id", p.ID, "comment", info.Comment)
	}
	metrics.PositionsLiquidated.WithLabelValues(result).Inc()
	return info
}

func positionIDs(ps []*model.Position) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}

// --- ResumeLiquidation ---

func (h *Handler) resumeLiquidation(ctx context.Context, c ResumeLiquidationCommand) error {
	exec, ok, err := h.load(ctx, c.OperationID)
	if err != nil || !ok {
		return err
	}

	if c.IsCausedBySpecialLiquidation && exec.Data.State != StateSpecialLiquidationStarted {
		slog.Info("resume ignored: no special liquidation in progress",
			"operation_id", c.OperationID,
			"state", exec.Data.State,
		)
		return nil
	}

	return h.sender.Send(ctx, LiquidationResumed{
		Header:                                  h.header(c.OperationID),
		Comment:                                 c.Comment,
		IsCausedBySpecialLiquidation:            c.IsCausedBySpecialLiquidation,
		PositionsLiquidatedBySpecialLiquidation: c.PositionsLiquidatedBySpecialLiquidation,
	})
}

// load returns the operation's current record, read past the cache; ok is
// false when it does not exist.
func (h *Handler) load(ctx context.Context, operationID string) (*Execution, bool, error) {
	exec, err := h.repo.GetLatest(ctx, operationID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("liquidation not found", "operation_id", operationID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load liquidation %s: %w", operationID, err)
	}
	return exec, true, nil
}
