// Package liquidity decides whether a liquidation batch can go to the
// market as a normal close or has to be escalated to special liquidation.
//
// A batch is checked per instrument on its net signed volume: a long and a
// short on the same instrument offset each other at the venue.
package liquidity

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
)

var (
	// ErrThresholdExceeded is returned when a batch's net volume, valued in
	// the threshold currency, is above the configured maximum.
	ErrThresholdExceeded = errors.New("liquidity: net volume above threshold")

	// ErrNoLiquidity is returned when no venue quotes a close price for the
	// batch's net volume.
	ErrNoLiquidity = errors.New("liquidity: no close price")
)

// CloseQuoter prices a close of a net volume.
type CloseQuoter interface {
	CloseQuote(ctx context.Context, assetPairID string, netVolume decimal.Decimal, externalProviderID string) (pricing.Quote, bool, error)
}

// ThresholdConverter values a volume in the threshold currency.
type ThresholdConverter interface {
	ConvertToThresholdCurrency(ctx context.Context, volume decimal.Decimal, assetPairID, legalEntity string) (decimal.Decimal, bool, error)
}

// Checker enforces the liquidation volume threshold and the close-price
// availability check.
type Checker struct {
	quotes    CloseQuoter
	converter ThresholdConverter

	// MaxNetVolume is the largest net volume, in the threshold currency,
	// one batch may close at the market. Zero disables the threshold.
	MaxNetVolume decimal.Decimal
}

// NewChecker creates a checker.
func NewChecker(quotes CloseQuoter, converter ThresholdConverter, maxNetVolume decimal.Decimal) *Checker {
	return &Checker{
		quotes:       quotes,
		converter:    converter,
		MaxNetVolume: maxNetVolume,
	}
}

// Check returns nil if every instrument in the batch can be closed.
// It returns an error wrapping ErrThresholdExceeded or ErrNoLiquidity with
// a diagnostic message, or any pricing error as is.
func (c *Checker) Check(ctx context.Context, positions []*model.Position) error {
	for _, g := range groupByInstrument(positions) {
		if err := c.checkGroup(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checker) checkGroup(ctx context.Context, g group) error {
	if g.net.IsZero() {
		return nil
	}

	// 1. Threshold on the net volume in the threshold currency.
	if c.MaxNetVolume.IsPositive() {
		amount, ok, err := c.converter.ConvertToThresholdCurrency(ctx, g.net, g.assetPairID, g.legalEntity)
		if err != nil {
			return fmt.Errorf("convert %s: %w", g.assetPairID, err)
		}
		if !ok {
			return fmt.Errorf("%w: cannot value net volume %s of %s in threshold currency",
				ErrThresholdExceeded, g.net, g.assetPairID)
		}
		if amount.GreaterThan(c.MaxNetVolume) {
			return fmt.Errorf("%w: net volume %s of %s is worth %s, max %s",
				ErrThresholdExceeded, g.net, g.assetPairID, amount, c.MaxNetVolume)
		}
	}

	// 2. A venue must quote the whole net volume.
	_, ok, err := c.quotes.CloseQuote(ctx, g.assetPairID, g.net, g.externalProviderID)
	if err != nil {
		return fmt.Errorf("close quote %s: %w", g.assetPairID, err)
	}
	if !ok {
		return fmt.Errorf("%w: no venue quotes net volume %s of %s",
			ErrNoLiquidity, g.net, g.assetPairID)
	}
	return nil
}

type group struct {
	assetPairID        string
	legalEntity        string
	externalProviderID string
	net                decimal.Decimal
}

// groupByInstrument sums signed volumes per instrument, in first-seen order.
func groupByInstrument(positions []*model.Position) []group {
	idx := make(map[string]int)
	var out []group
	for _, p := range positions {
		i, ok := idx[p.AssetPairID]
		if !ok {
			i = len(out)
			idx[p.AssetPairID] = i
			out = append(out, group{
				assetPairID:        p.AssetPairID,
				legalEntity:        p.LegalEntity,
				externalProviderID: p.ExternalProviderID,
			})
		}
		out[i].net = out[i].net.Add(p.Volume)
	}
	return out
}
