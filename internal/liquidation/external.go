package liquidation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// ExternalEvent is published to other services when an operation ends.
type ExternalEvent interface {
	Operation() string
	Name() string
}

// Completion is the snapshot carried by both terminal events.
type Completion struct {
	OperationID                     string           `json:"operation_id"`
	CreationTime                    time.Time        `json:"creation_time"`
	Reason                          string           `json:"reason"`
	AccountID                       string           `json:"account_id"`
	AssetPairID                     string           `json:"asset_pair_id,omitempty"`
	Direction                       model.Direction  `json:"direction,omitempty"`
	QuoteInfo                       string           `json:"quote_info,omitempty"`
	ProcessedPositionIDs            []string         `json:"processed_position_ids"`
	LiquidatedPositionIDs           []string         `json:"liquidated_position_ids"`
	OpenPositionsRemainingOnAccount int              `json:"open_positions_remaining_on_account"`
	CurrentTotalCapital             decimal.Decimal  `json:"current_total_capital"`
	LiquidationType                 Type             `json:"liquidation_type"`
	OriginatorType                  model.Originator `json:"originator_type"`
	AdditionalInfo                  string           `json:"additional_info,omitempty"`
}

// Operation returns the liquidation operation id.
func (c Completion) Operation() string { return c.OperationID }

// LiquidationFailedEvent tells other services an operation failed.
type LiquidationFailedEvent struct {
	Completion
}

// LiquidationFinishedEvent tells other services an operation finished.
type LiquidationFinishedEvent struct {
	Completion
}

func (LiquidationFailedEvent) Name() string { return "LiquidationFailedEvent" }

func (LiquidationFinishedEvent) Name() string { return "LiquidationFinishedEvent" }
