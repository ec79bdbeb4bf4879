package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/store"
)

var (
	// ErrInvalidArgument is returned for empty account, operation or reason.
	ErrInvalidArgument = errors.New("liquidation: invalid argument")

	// ErrLiquidationNotInProgress means the account was not locked by the
	// operation being ended. The saga and the lock disagree; this is a bug,
	// not a condition to retry.
	ErrLiquidationNotInProgress = errors.New("liquidation: not in progress")
)

// Executor ends operations. It is the only place the account's
// liquidation lock is released.
type Executor struct {
	repo      *Repository
	accounts  Accounts
	positions Positions
	publisher ExternalPublisher
	notifier  *Notifier
	now       func() time.Time
}

// NewExecutor creates an executor. notifier may be nil.
func NewExecutor(repo *Repository, accounts Accounts, positions Positions, publisher ExternalPublisher, notifier *Notifier) *Executor {
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &Executor{
		repo:      repo,
		accounts:  accounts,
		positions: positions,
		publisher: publisher,
		notifier:  notifier,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Fail releases the account and publishes LiquidationFailedEvent.
func (x *Executor) Fail(ctx context.Context, accountID, operationID, reason string) error {
	return x.execute(ctx, accountID, operationID, reason, true)
}

// Finish releases the account and publishes LiquidationFinishedEvent.
func (x *Executor) Finish(ctx context.Context, accountID, operationID, reason string) error {
	return x.execute(ctx, accountID, operationID, reason, false)
}

func (x *Executor) execute(ctx context.Context, accountID, operationID, reason string, failed bool) error {
	if accountID == "" || operationID == "" || reason == "" {
		return backoff.Permanent(fmt.Errorf("%w: account %q, operation %q, reason %q",
			ErrInvalidArgument, accountID, operationID, reason))
	}

	outcome := "finished"
	if failed {
		outcome = "failed"
	}
	log := slog.With("account_id", accountID, "operation_id", operationID, "outcome", outcome)

	exec, err := x.repo.GetLatest(ctx, operationID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("liquidation to end has no state")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load liquidation %s: %w", operationID, err)
	}

	ok, err := x.accounts.TryFinishLiquidation(ctx, accountID, reason, operationID)
	if err != nil {
		return err
	}
	if !ok {
		log.Error("liquidation lock not held by operation", "reason", reason)
		return backoff.Permanent(fmt.Errorf("%w: account %s, operation %s",
			ErrLiquidationNotInProgress, accountID, operationID))
	}
	metrics.LiquidationsEnded.WithLabelValues(outcome).Inc()

	c := x.completion(exec.ID, exec.Data, accountID, reason)
	var ev ExternalEvent = LiquidationFinishedEvent{Completion: c}
	if failed {
		ev = LiquidationFailedEvent{Completion: c}
	}
	if err := x.publisher.PublishExternal(ctx, ev); err != nil {
		// The lock is released; a redelivery would hit ErrLiquidationNotInProgress.
		log.Error("publish liquidation completion", "err", err)
	}

	x.notifier.notify(Ended{AccountID: accountID, OperationID: operationID, Reason: reason, Failed: failed})

	log.Info("liquidation ended",
		"reason", reason,
		"processed", len(c.ProcessedPositionIDs),
		"liquidated", len(c.LiquidatedPositionIDs),
		"remaining", c.OpenPositionsRemainingOnAccount,
	)
	return nil
}

// Reject publishes LiquidationFailedEvent for a start that was refused
// before it took the account. The liquidation lock is not touched.
func (x *Executor) Reject(ctx context.Context, c StartLiquidationCommand, reason string) error {
	data := OperationData{
		AccountID:             c.AccountID,
		AssetPairID:           c.AssetPairID,
		Direction:             c.Direction,
		QuoteInfo:             c.QuoteInfo,
		ProcessedPositionIDs:  []string{},
		LiquidatedPositionIDs: []string{},
		Type:                  c.LiquidationType,
		OriginatorType:        c.OriginatorType,
		AdditionalInfo:        c.AdditionalInfo,
	}
	ev := LiquidationFailedEvent{Completion: x.completion(c.OperationID, data, c.AccountID, reason)}
	if err := x.publisher.PublishExternal(ctx, ev); err != nil {
		return fmt.Errorf("publish rejection %s: %w", c.OperationID, err)
	}
	metrics.LiquidationsEnded.WithLabelValues("rejected").Inc()
	return nil
}

func (x *Executor) completion(operationID string, data OperationData, accountID, reason string) Completion {
	capital := decimal.Zero
	if acc, ok := x.accounts.TryGet(accountID); ok {
		capital = acc.TotalCapital()
	}
	return Completion{
		OperationID:                     operationID,
		CreationTime:                    x.now(),
		Reason:                          reason,
		AccountID:                       accountID,
		AssetPairID:                     data.AssetPairID,
		Direction:                       data.Direction,
		QuoteInfo:                       data.QuoteInfo,
		ProcessedPositionIDs:            slices.Clone(data.ProcessedPositionIDs),
		LiquidatedPositionIDs:           slices.Clone(data.LiquidatedPositionIDs),
		OpenPositionsRemainingOnAccount: len(x.positions.PositionsByAccount(accountID)),
		CurrentTotalCapital:             capital,
		LiquidationType:                 data.Type,
		OriginatorType:                  data.OriginatorType,
		AdditionalInfo:                  data.AdditionalInfo,
	}
}
