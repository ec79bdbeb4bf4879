package liquidation

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/margin-engine/internal/model"
)

// specialLiquidationNS namespaces the ids of special liquidations.
var specialLiquidationNS = uuid.MustParse("3b2f1d9e-6c1a-4f0e-9d57-0a8c4e6b71f2")

// Failure and finish reasons.
const (
	ReasonAccountMissing     = "account does not exist"
	ReasonNothingToLiquidate = "nothing to liquidate"
	ReasonAllLiquidated      = "all positions are liquidated"
)

// World is what the saga observed about the account before applying an
// event. Account is nil when the account no longer exists.
type World struct {
	Now        time.Time
	Account    *model.Account
	Candidates []Candidate
}

// Outcome is the result of applying one event.
type Outcome struct {
	Data     OperationData
	Commands []Command
	// Changed is false when the event did not match the operation's state;
	// nothing must be persisted or sent then.
	Changed bool
	// Note explains an ignored event.
	Note string
	// Warn marks an ignored event that points at a workflow bug.
	Warn bool
}

func ignore(data OperationData, note string) Outcome {
	return Outcome{Data: data, Note: note}
}

// Apply is the liquidation state machine: it returns the next state and the
// commands to send for one event. It has no side effects.
func Apply(current OperationData, operationID string, ev Event, w World) Outcome {
	data := current.clone()
	hdr := Header{OperationID: operationID, CreationTime: w.Now}

	switch e := ev.(type) {
	case LiquidationStarted:
		if data.State != StateInitiated {
			return ignore(current, "already started")
		}
		data.State = StateStarted
		batch := SelectBatch(data, w.Candidates)
		if batch.Empty() {
			return changed(data, FailLiquidationCommand{Header: hdr, Reason: ReasonNothingToLiquidate})
		}
		return changed(data, liquidate(hdr, batch))

	case PositionsLiquidationFinished:
		if data.State != StateStarted {
			return ignore(current, fmt.Sprintf("batch result in state %s", current.State))
		}
		for _, info := range e.LiquidationInfos {
			data.ProcessedPositionIDs = appendUnique(data.ProcessedPositionIDs, info.PositionID)
			if info.IsLiquidated {
				data.LiquidatedPositionIDs = appendUnique(data.LiquidatedPositionIDs, info.PositionID)
			}
		}
		return changed(data, continueOrFinish(data, hdr, w))

	case NotEnoughLiquidity:
		if data.State != StateStarted {
			return ignore(current, fmt.Sprintf("liquidity shortfall in state %s", current.State))
		}
		data.State = StateSpecialLiquidationStarted
		return changed(data, StartSpecialLiquidationCommand{
			Header: Header{
				OperationID:  SpecialLiquidationID(operationID, e.PositionIDs),
				CreationTime: w.Now,
			},
			AccountID:            data.AccountID,
			PositionIDs:          slices.Clone(e.PositionIDs),
			CausationOperationID: operationID,
			OriginatorType:       data.OriginatorType,
			AdditionalInfo:       data.AdditionalInfo,
		})

	case LiquidationResumed:
		if e.IsCausedBySpecialLiquidation {
			if data.State != StateSpecialLiquidationStarted {
				return ignore(current, fmt.Sprintf("special liquidation resume in state %s", current.State))
			}
			data.LiquidatedPositionIDs = appendUnique(data.LiquidatedPositionIDs, e.PositionsLiquidatedBySpecialLiquidation...)
			data.ProcessedPositionIDs = appendUnique(data.ProcessedPositionIDs, e.PositionsLiquidatedBySpecialLiquidation...)
		} else {
			if data.State.Terminal() || data.State == StateInitiated {
				return ignore(current, fmt.Sprintf("resume in state %s", current.State))
			}
			// Retry everything that was not actually closed.
			data.ProcessedPositionIDs = slices.Clone(data.LiquidatedPositionIDs)
		}
		data.State = StateStarted
		return changed(data, continueOrFinish(data, hdr, w))

	case LiquidationFailed:
		switch current.State {
		case StateFinished:
			return Outcome{Data: current, Note: "failed after finish", Warn: true}
		case StateFailed:
			return ignore(current, "already failed")
		}
		data.State = StateFailed
		return changed(data)

	case LiquidationFinished:
		if data.State != StateStarted {
			return ignore(current, fmt.Sprintf("finish in state %s", current.State))
		}
		data.State = StateFinished
		return changed(data)
	}

	return Outcome{Data: current, Note: fmt.Sprintf("unknown event %T", ev), Warn: true}
}

func changed(data OperationData, cmds ...Command) Outcome {
	return Outcome{Data: data, Commands: cmds, Changed: true}
}

// continueOrFinish decides the step after a batch: finish when the account
// has recovered enough, fail when nothing is left, otherwise the next batch.
// A full liquidation needs the account out of every margin-call tier; a
// partial one (targeted or margin close-out) only needs it above stop-out.
// A forced liquidation ignores the tier and runs until nothing is left.
func continueOrFinish(data OperationData, hdr Header, w World) Command {
	if w.Account == nil {
		return FailLiquidationCommand{Header: hdr, Reason: ReasonAccountMissing}
	}

	if data.Type != TypeForced {
		level := w.Account.Level()
		if level == model.AccountLevelNone || (data.IsPartial && level < model.AccountLevelStopOut) {
			return FinishLiquidationCommand{
				Header: hdr,
				Reason: fmt.Sprintf("Liquidation is finished: account margin level is %s", level),
			}
		}
	}

	batch := SelectBatch(data, w.Candidates)
	if batch.Empty() {
		if data.Type == TypeForced {
			return FinishLiquidationCommand{Header: hdr, Reason: ReasonAllLiquidated}
		}
		return FailLiquidationCommand{Header: hdr, Reason: ReasonNothingToLiquidate}
	}
	return liquidate(hdr, batch)
}

func liquidate(hdr Header, b Batch) LiquidatePositionsCommand {
	return LiquidatePositionsCommand{
		Header:      hdr,
		PositionIDs: b.PositionIDs,
		AssetPairID: b.AssetPairID,
		Direction:   b.Direction,
	}
}

// SpecialLiquidationID derives the special liquidation's operation id from
// the causing operation and the batch, so a redelivered shortfall never
// starts a second special liquidation.
func SpecialLiquidationID(operationID string, positionIDs []string) string {
	ids := slices.Clone(positionIDs)
	slices.Sort(ids)
	return uuid.NewSHA1(specialLiquidationNS, []byte(operationID+"|"+strings.Join(ids, ","))).String()
}
