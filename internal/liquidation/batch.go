package liquidation

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// Candidate is an open position as the saga sees it when picking a batch.
type Candidate struct {
	Position *model.Position
	Margin   decimal.Decimal // maintenance margin in use
	DayOff   bool            // instrument is not trading now
}

// Batch is the next group of positions to liquidate.
type Batch struct {
	AssetPairID string
	Direction   model.Direction
	PositionIDs []string
}

// Empty reports whether there is nothing to liquidate.
func (b Batch) Empty() bool {
	return len(b.PositionIDs) == 0
}

type groupKey struct {
	asset string
	dir   model.Direction
}

type candidateGroup struct {
	key    groupKey
	margin decimal.Decimal
	ids    []string
}

// SelectBatch groups the account's positions by instrument and direction
// and returns the group to close next: the targeted group, or the one using
// the most maintenance margin. Processed positions and instruments that are
// not trading are left out before groups are compared, so an exhausted
// group never hides the others. Ties go to the smaller (instrument,
// direction) to keep the choice stable across redeliveries.
func SelectBatch(data OperationData, candidates []Candidate) Batch {
	var groups []*candidateGroup
	byKey := make(map[groupKey]*candidateGroup)

	for _, c := range candidates {
		p := c.Position
		if c.DayOff || slices.Contains(data.ProcessedPositionIDs, p.ID) {
			continue
		}
		k := groupKey{asset: p.AssetPairID, dir: p.Direction()}
		if data.Targeted() && (k.asset != data.AssetPairID || k.dir != data.Direction) {
			continue
		}
		g, ok := byKey[k]
		if !ok {
			g = &candidateGroup{key: k}
			byKey[k] = g
			groups = append(groups, g)
		}
		g.margin = g.margin.Add(c.Margin)
		g.ids = append(g.ids, p.ID)
	}

	var best *candidateGroup
	for _, g := range groups {
		if best == nil || betterGroup(g, best) {
			best = g
		}
	}
	if best == nil {
		return Batch{AssetPairID: data.AssetPairID, Direction: data.Direction}
	}
	return Batch{AssetPairID: best.key.asset, Direction: best.key.dir, PositionIDs: best.ids}
}

func betterGroup(a, b *candidateGroup) bool {
	if c := a.margin.Cmp(b.margin); c != 0 {
		return c > 0
	}
	if a.key.asset != b.key.asset {
		return a.key.asset < b.key.asset
	}
	return a.key.dir < b.key.dir
}
