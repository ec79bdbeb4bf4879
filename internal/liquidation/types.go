// Package liquidation runs the forced liquidation workflow of a margin
// account: a command handler that acts on positions, a saga that decides the
// next step from the persisted operation state, and the executor that ends
// an operation and releases the account.
package liquidation

import (
	"slices"
	"time"

	"github.com/atmx/margin-engine/internal/model"
)

// OperationName keys liquidation records in the execution info store.
const OperationName = "Liquidation"

// OperationState is the saga state of one liquidation operation.
type OperationState string

const (
	StateInitiated                 OperationState = "Initiated"
	StateStarted                   OperationState = "Started"
	StateSpecialLiquidationStarted OperationState = "SpecialLiquidationStarted"
	StateFinished                  OperationState = "Finished"
	StateFailed                    OperationState = "Failed"
)

// Terminal reports whether no event can move the operation any more.
func (s OperationState) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// Type tells why a liquidation was started.
type Type string

const (
	// TypeNormal is a stop-out: unwind until the account leaves every
	// margin-call tier.
	TypeNormal Type = "Normal"
	// TypeMco is a margin close-out: unwind until the account is better
	// than stop-out.
	TypeMco Type = "Mco"
	// TypeForced unwinds everything regardless of the margin tier.
	TypeForced Type = "Forced"
)

// Valid reports whether t is a known type. The empty type means Normal.
func (t Type) Valid() bool {
	switch t {
	case "", TypeNormal, TypeMco, TypeForced:
		return true
	}
	return false
}

// OperationData is the saga's durable payload.
type OperationData struct {
	State                 OperationState   `json:"state"`
	AccountID             string           `json:"account_id"`
	AssetPairID           string           `json:"asset_pair_id,omitempty"`
	Direction             model.Direction  `json:"direction,omitempty"`
	QuoteInfo             string           `json:"quote_info,omitempty"`
	ProcessedPositionIDs  []string         `json:"processed_position_ids"`
	LiquidatedPositionIDs []string         `json:"liquidated_position_ids"`
	IsPartial             bool             `json:"is_partial"`
	Type                  Type             `json:"type"`
	OriginatorType        model.Originator `json:"originator_type"`
	AdditionalInfo        string           `json:"additional_info,omitempty"`
	StartedAt             time.Time        `json:"started_at"`
}

// Targeted reports whether the operation is limited to one instrument and
// direction.
func (d *OperationData) Targeted() bool {
	return d.AssetPairID != "" && d.Direction != ""
}

// clone returns a copy that shares no slices with d.
func (d OperationData) clone() OperationData {
	d.ProcessedPositionIDs = slices.Clone(d.ProcessedPositionIDs)
	d.LiquidatedPositionIDs = slices.Clone(d.LiquidatedPositionIDs)
	return d
}

// LiquidationInfo is the result of one position in a batch.
type LiquidationInfo struct {
	PositionID   string `json:"position_id"`
	IsLiquidated bool   `json:"is_liquidated"`
	Comment      string `json:"comment"`
}

// appendUnique appends the ids not yet in list.
func appendUnique(list []string, ids ...string) []string {
	for _, id := range ids {
		if !slices.Contains(list, id) {
			list = append(list, id)
		}
	}
	return list
}
