package pricing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// MarginCalculator estimates the maintenance margin a position uses:
// |volume| × price × fx × rate, where rate is per instrument.
type MarginCalculator struct {
	books       BookSource
	rates       map[string]decimal.Decimal
	defaultRate decimal.Decimal
}

// NewMarginCalculator creates a calculator. Instruments missing from rates
// use defaultRate.
func NewMarginCalculator(books BookSource, rates map[string]decimal.Decimal, defaultRate decimal.Decimal) *MarginCalculator {
	return &MarginCalculator{books: books, rates: rates, defaultRate: defaultRate}
}

// Rate returns the maintenance rate of an instrument.
func (m *MarginCalculator) Rate(assetPairID string) decimal.Decimal {
	if r, ok := m.rates[assetPairID]; ok {
		return r
	}
	return m.defaultRate
}

// MaintenanceMargin values the position at its current close price, or at
// its open price when there is no quote.
func (m *MarginCalculator) MaintenanceMargin(ctx context.Context, p *model.Position) decimal.Decimal {
	price, fx := p.OpenPrice, p.OpenFxRate
	if q, ok, err := NewRouter(m.books).CloseQuote(ctx, p.AssetPairID, p.Volume, p.ExternalProviderID); err == nil && ok {
		price, fx = q.Price, q.FxRate
	}
	if !fx.IsPositive() {
		fx = decimal.NewFromInt(1)
	}
	return p.Volume.Abs().Mul(price).Mul(fx).Mul(m.Rate(p.AssetPairID))
}
