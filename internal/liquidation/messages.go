package liquidation

import (
	"time"

	"github.com/atmx/margin-engine/internal/model"
)

// Header is carried by every command and event.
type Header struct {
	OperationID  string    `json:"operation_id"`
	CreationTime time.Time `json:"creation_time"`
}

// Operation returns the liquidation operation the message belongs to.
func (h Header) Operation() string { return h.OperationID }

// Message is a command or an event of the liquidation workflow.
type Message interface {
	Operation() string
	Name() string
}

// Command is handled by the Handler.
type Command interface {
	Message
	command()
}

// Event is handled by the Saga.
type Event interface {
	Message
	event()
}

// --- Commands ---

// StartLiquidationCommand asks for an account to be liquidated. AssetPairID
// and Direction are both set for a targeted liquidation, or both empty.
type StartLiquidationCommand struct {
	Header
	AccountID       string           `json:"account_id"`
	AssetPairID     string           `json:"asset_pair_id,omitempty"`
	Direction       model.Direction  `json:"direction,omitempty"`
	QuoteInfo       string           `json:"quote_info,omitempty"`
	LiquidationType Type             `json:"liquidation_type"`
	OriginatorType  model.Originator `json:"originator_type"`
	AdditionalInfo  string           `json:"additional_info,omitempty"`
}

// FailLiquidationCommand ends an operation as failed.
type FailLiquidationCommand struct {
	Header
	Reason string `json:"reason"`
}

// FinishLiquidationCommand ends an operation as finished.
type FinishLiquidationCommand struct {
	Header
	Reason string `json:"reason"`
}

// LiquidatePositionsCommand closes one batch of positions.
type LiquidatePositionsCommand struct {
	Header
	PositionIDs []string        `json:"position_ids"`
	AssetPairID string          `json:"asset_pair_id"`
	Direction   model.Direction `json:"direction"`
}

// ResumeLiquidationCommand brings an operation back to Started. The special
// liquidation workflow sends it with IsCausedBySpecialLiquidation set and
// the positions it closed.
type ResumeLiquidationCommand struct {
	Header
	Comment                                 string   `json:"comment"`
	IsCausedBySpecialLiquidation            bool     `json:"is_caused_by_special_liquidation"`
	PositionsLiquidatedBySpecialLiquidation []string `json:"positions_liquidated_by_special_liquidation,omitempty"`
}

// StartSpecialLiquidationCommand hands positions the market cannot absorb
// to the special liquidation workflow. OperationID is the special
// operation's own id; CausationOperationID links back.
type StartSpecialLiquidationCommand struct {
	Header
	AccountID            string           `json:"account_id"`
	PositionIDs          []string         `json:"position_ids"`
	CausationOperationID string           `json:"causation_operation_id"`
	OriginatorType       model.Originator `json:"originator_type"`
	AdditionalInfo       string           `json:"additional_info,omitempty"`
}

func (StartLiquidationCommand) Name() string { return "StartLiquidation" }
func (FailLiquidationCommand) Name() string { return "FailLiquidation" }
func (FinishLiquidationCommand) Name() string { return "FinishLiquidation" }
func (LiquidatePositionsCommand) Name() string { return "LiquidatePositions" }
func (ResumeLiquidationCommand) Name() string { return "ResumeLiquidation" }
func (StartSpecialLiquidationCommand) Name() string { return "StartSpecialLiquidation" }

func (StartLiquidationCommand) command() {}
func (FailLiquidationCommand) command() {}
func (FinishLiquidationCommand) command() {}
func (LiquidatePositionsCommand) command() {}
func (ResumeLiquidationCommand) command() {}
func (StartSpecialLiquidationCommand) command() {}

// --- Events ---

type LiquidationStarted struct {
	Header
	AccountID string `json:"account_id"`
}

type LiquidationFailed struct {
	Header
	AccountID string `json:"account_id,omitempty"`
	Reason    string `json:"reason"`
}

type LiquidationFinished struct {
	Header
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

type PositionsLiquidationFinished struct {
	Header
	LiquidationInfos []LiquidationInfo `json:"liquidation_infos"`
}

type NotEnoughLiquidity struct {
	Header
	PositionIDs []string `json:"position_ids"`
	Details     string   `json:"details"`
}

type LiquidationResumed struct {
	Header
	Comment                                 string   `json:"comment"`
	IsCausedBySpecialLiquidation            bool     `json:"is_caused_by_special_liquidation"`
	PositionsLiquidatedBySpecialLiquidation []string `json:"positions_liquidated_by_special_liquidation,omitempty"`
}

func (LiquidationStarted) Name() string { return "LiquidationStarted" }
func (LiquidationFailed) Name() string { return "LiquidationFailed" }
func (LiquidationFinished) Name() string { return "LiquidationFinished" }
func (PositionsLiquidationFinished) Name() string { return "PositionsLiquidationFinished" }
func (NotEnoughLiquidity) Name() string { return "NotEnoughLiquidity" }
func (LiquidationResumed) Name() string { return "LiquidationResumed" }

func (LiquidationStarted) event() {}
func (LiquidationFailed) event() {}
func (LiquidationFinished) event() {}
func (PositionsLiquidationFinished) event() {}
func (NotEnoughLiquidity) event() {}
func (LiquidationResumed) event() {}
