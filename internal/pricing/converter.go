package pricing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Converter values instrument volumes in the currency liquidity thresholds
// are configured in.
type Converter struct {
	books BookSource
	// thresholdFx maps legal entity to the rate from the account currency to
	// the threshold currency. Missing entities use 1.
	thresholdFx map[string]decimal.Decimal
}

// NewConverter creates a converter. thresholdFx may be nil.
func NewConverter(books BookSource, thresholdFx map[string]decimal.Decimal) *Converter {
	return &Converter{books: books, thresholdFx: thresholdFx}
}

// ConvertToThresholdCurrency returns |volume| × mid × fx × entity rate.
// ok is false when the instrument has no quote.
func (c *Converter) ConvertToThresholdCurrency(ctx context.Context, volume decimal.Decimal, assetPairID, legalEntity string) (decimal.Decimal, bool, error) {
	book, err := c.books.Book(ctx, assetPairID, "")
	if errors.Is(err, ErrNoQuote) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	mid := book.Mid()
	if !mid.IsPositive() {
		return decimal.Zero, false, nil
	}

	amount := volume.Abs().Mul(mid).Mul(book.fx())
	if rate, ok := c.thresholdFx[legalEntity]; ok && rate.IsPositive() {
		amount = amount.Mul(rate)
	}
	return amount, true, nil
}
