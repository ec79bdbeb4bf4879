package model

import (
	"github.com/shopspring/decimal"
)

// AccountLevel is the margin tier of an account, ordered from healthy to
// stop-out so that tiers compare with < and >.
type AccountLevel int

const (
	AccountLevelNone AccountLevel = iota
	AccountLevelMarginCall1
	AccountLevelMarginCall2
	AccountLevelStopOut
)

func (l AccountLevel) String() string {
	switch l {
	case AccountLevelNone:
		return "None"
	case AccountLevelMarginCall1:
		return "MarginCall1"
	case AccountLevelMarginCall2:
		return "MarginCall2"
	case AccountLevelStopOut:
		return "StopOut"
	default:
		return "Unknown"
	}
}

// Account is the snapshot of a trading account kept by the account cache.
// Balance, UnrealizedPnL and UsedMargin are maintained by the margin monitor.
type Account struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	BaseAssetID string          `json:"base_asset_id"`
	LegalEntity string          `json:"legal_entity"`
	Balance     decimal.Decimal `json:"balance"`

	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UsedMargin    decimal.Decimal `json:"used_margin"` // maintenance margin in use

	// Trading-condition thresholds on the margin usage level.
	MarginCall1Level decimal.Decimal `json:"margin_call1_level"`
	MarginCall2Level decimal.Decimal `json:"margin_call2_level"`
	StopOutLevel     decimal.Decimal `json:"stop_out_level"`

	LiquidationOperationID string `json:"liquidation_operation_id,omitempty"`
}

// TotalCapital is balance plus unrealized PnL.
func (a *Account) TotalCapital() decimal.Decimal {
	return a.Balance.Add(a.UnrealizedPnL)
}

// MarginUsageLevel is total capital divided by used margin. An account with
// no margin in use has no usage level; ok is false then.
func (a *Account) MarginUsageLevel() (level decimal.Decimal, ok bool) {
	if !a.UsedMargin.IsPositive() {
		return decimal.Zero, false
	}
	return a.TotalCapital().Div(a.UsedMargin), true
}

// Level returns the account's margin tier.
func (a *Account) Level() AccountLevel {
	usage, ok := a.MarginUsageLevel()
	if !ok {
		return AccountLevelNone
	}
	switch {
	case usage.LessThanOrEqual(a.StopOutLevel):
		return AccountLevelStopOut
	case usage.LessThanOrEqual(a.MarginCall2Level):
		return AccountLevelMarginCall2
	case usage.LessThanOrEqual(a.MarginCall1Level):
		return AccountLevelMarginCall1
	default:
		return AccountLevelNone
	}
}

// Clone returns a copy of the account.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}
