package positions

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// PnLCalculator computes the realized PnL of closing part of a position.
type PnLCalculator interface {
	// ClosePnL returns the PnL of closing volume (signed like the position)
	// at closePrice, converted with closeFxRate.
	ClosePnL(p *model.Position, closePrice, closeFxRate, volume decimal.Decimal) decimal.Decimal
}

// LinearPnL is the plain (close − open) × fx × volume calculation. For a
// short position volume is negative, so a falling price yields a profit.
type LinearPnL struct{}

func (LinearPnL) ClosePnL(p *model.Position, closePrice, closeFxRate, volume decimal.Decimal) decimal.Decimal {
	return closePrice.Sub(p.OpenPrice).Mul(closeFxRate).Mul(volume)
}

// chargedSlice is the part of a position's charged PnL that moves to a deal
// closing volume out of the position.
func chargedSlice(p *model.Position, volume decimal.Decimal) decimal.Decimal {
	if p.ChargedPnL.IsZero() || p.Volume.IsZero() {
		return decimal.Zero
	}
	// Multiply first so exact fractions stay exact.
	return p.ChargedPnL.Mul(volume.Abs()).Div(p.Volume.Abs())
}
