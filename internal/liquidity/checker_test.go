package liquidity

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func pos(asset string, volume float64) *model.Position {
	return &model.Position{AssetPairID: asset, Volume: d(volume), OpenPrice: d(1), OpenFxRate: d(1)}
}

func newTestChecker(max float64) *Checker {
	books := pricing.NewStaticBooks()
	books.Set("EURUSD", "", pricing.Book{Bid: d(1), Ask: d(1), BidSize: d(1000), AskSize: d(1000), FxRate: d(1)})
	books.Set("GOLD", "", pricing.Book{Bid: d(2000), Ask: d(2000), FxRate: d(1)})
	books.Set("THIN", "", pricing.Book{Bid: d(10), Ask: d(10), BidSize: d(5), AskSize: d(5)})
	return NewChecker(pricing.NewRouter(books), pricing.NewConverter(books, nil), d(max))
}

func TestCheck_WithinLimits(t *testing.T) {
	c := newTestChecker(5000)

	err := c.Check(context.Background(), []*model.Position{pos("EURUSD", 100), pos("EURUSD", 200)})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheck_ThresholdExceeded(t *testing.T) {
	c := newTestChecker(5000)

	// 3 × 2000 = 6000 > 5000.
	err := c.Check(context.Background(), []*model.Position{pos("GOLD", 1), pos("GOLD", 2)})
	if !errors.Is(err, ErrThresholdExceeded) {
		t.Errorf("expected ErrThresholdExceeded, got %v", err)
	}
}

func TestCheck_OffsettingVolumesNet(t *testing.T) {
	c := newTestChecker(5000)

	// Gross 6 × 2000 is above the threshold, net 2 × 2000 is not.
	err := c.Check(context.Background(), []*model.Position{pos("GOLD", 4), pos("GOLD", -2)})
	if err != nil {
		t.Errorf("expected net volume to pass, got %v", err)
	}
}

func TestCheck_ThresholdDisabled(t *testing.T) {
	c := newTestChecker(0)

	err := c.Check(context.Background(), []*model.Position{pos("GOLD", 1000)})
	if err != nil {
		t.Errorf("zero threshold disables the check, got %v", err)
	}
}

func TestCheck_NoLiquidity(t *testing.T) {
	c := newTestChecker(0)

	err := c.Check(context.Background(), []*model.Position{pos("THIN", 6)})
	if !errors.Is(err, ErrNoLiquidity) {
		t.Errorf("expected ErrNoLiquidity for depth 5, got %v", err)
	}

	err = c.Check(context.Background(), []*model.Position{pos("UNKNOWN", 1)})
	if !errors.Is(err, ErrNoLiquidity) {
		t.Errorf("expected ErrNoLiquidity without a book, got %v", err)
	}
}

func TestCheck_UnvaluedVolumeCountsAsOverThreshold(t *testing.T) {
	c := newTestChecker(100)

	err := c.Check(context.Background(), []*model.Position{pos("UNKNOWN", 1)})
	if !errors.Is(err, ErrThresholdExceeded) {
		t.Errorf("expected ErrThresholdExceeded, got %v", err)
	}
}
