package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/store"
)

// Saga applies liquidation events to the persisted operation state.
type Saga struct {
	repo      *Repository
	accounts  Accounts
	positions Positions
	margin    MarginCalculator
	dayOff    DayOffChecker
	sender    Sender
	faults    FaultInjector
	now       func() time.Time
}

// SagaDeps are the collaborators of a Saga. Faults and Now are optional.
type SagaDeps struct {
	Repository *Repository
	Accounts   Accounts
	Positions  Positions
	Margin     MarginCalculator
	DayOff     DayOffChecker
	Sender     Sender
	Faults     FaultInjector
	Now        func() time.Time
}

// NewSaga creates a saga.
func NewSaga(deps SagaDeps) *Saga {
	s := &Saga{
		repo:      deps.Repository,
		accounts:  deps.Accounts,
		positions: deps.Positions,
		margin:    deps.Margin,
		dayOff:    deps.DayOff,
		sender:    deps.Sender,
		faults:    deps.Faults,
		now:       deps.Now,
	}
	if s.faults == nil {
		s.faults = NoFaults{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Handle applies one event. A returned error means the event must be
// redelivered: the state is reloaded and the transition guard makes a
// repeat that already took effect a no-op.
func (s *Saga) Handle(ctx context.Context, ev Event) error {
	opID := ev.Operation()
	log := slog.With("operation_id", opID, "event", ev.Name())

	exec, err := s.repo.Get(ctx, opID)
	if errors.Is(err, store.ErrNotFound) {
		// Start was rejected before any state was created.
		log.Debug("no liquidation state for event")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load liquidation %s: %w", opID, err)
	}

	var w World
	if needsWorld(ev) {
		w = s.observe(ctx, exec.Data.AccountID)
	} else {
		w = World{Now: s.now()}
	}

	out := Apply(exec.Data, opID, ev, w)
	if !out.Changed {
		metrics.SagaNoops.WithLabelValues(ev.Name()).Inc()
		if out.Warn {
			log.Warn("liquidation event ignored", "state", exec.Data.State, "note", out.Note)
		} else {
			log.Debug("liquidation event ignored", "state", exec.Data.State, "note", out.Note)
		}
		return nil
	}

	msgs := make([]Message, 0, len(out.Commands))
	for _, c := range out.Commands {
		msgs = append(msgs, c)
	}
	if len(msgs) > 0 {
		if err := s.sender.Send(ctx, msgs...); err != nil {
			return fmt.Errorf("send liquidation commands %s: %w", opID, err)
		}
	}

	if err := s.faults.Inject(ctx, FaultSagaBeforeSave, opID); err != nil {
		return err
	}

	prev := exec.Data.State
	exec.Data = out.Data
	if err := s.repo.Save(ctx, exec); err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			log.Warn("liquidation state changed concurrently, redelivering")
		}
		return fmt.Errorf("save liquidation %s: %w", opID, err)
	}
	metrics.SagaTransitions.WithLabelValues(ev.Name(), string(out.Data.State)).Inc()

	log.Info("liquidation state applied",
		"account_id", out.Data.AccountID,
		"from", prev,
		"to", out.Data.State,
		"commands", len(out.Commands),
	)

	return s.faults.Inject(ctx, FaultSagaAfterSave, opID)
}

func needsWorld(ev Event) bool {
	switch ev.(type) {
	case LiquidationStarted, PositionsLiquidationFinished, LiquidationResumed:
		return true
	}
	return false
}

// observe reads the account and prices its open positions. The account's
// used margin is recomputed from the positions still open, so closes made by
// this operation show up in the margin tier before the next account snapshot
// arrives.
func (s *Saga) observe(ctx context.Context, accountID string) World {
	w := World{Now: s.now()}
	used := decimal.Zero
	for _, p := range s.positions.PositionsByAccount(accountID) {
		c := Candidate{
			Position: p,
			Margin:   s.margin.MaintenanceMargin(ctx, p),
			DayOff:   s.dayOff.IsDayOffNow(p.AssetPairID),
		}
		used = used.Add(c.Margin)
		w.Candidates = append(w.Candidates, c)
	}
	if acc, ok := s.accounts.TryGet(accountID); ok {
		acc.UsedMargin = used
		w.Account = acc
	}
	return w
}
