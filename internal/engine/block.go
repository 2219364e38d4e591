// Package engine implements variation-block selection: grouping the
// price-sorted candidate list into price-consistent blocks and spending the
// acquisition budget on the most promising block first.
package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/avaliabr/cotador/internal/model"
)

// Category ranks a block's usefulness for the current iteration.
type Category int

const (
	// CatExtend contains every validated member and enough untried ones to
	// reach the target.
	CatExtend Category = iota + 1
	// CatStuck contains every validated member but lacks untried slots.
	CatStuck
	// CatAlternative misses some validated member but is large enough to
	// reach the target on its own.
	CatAlternative
)

// FormBlocks slides a window over the remaining candidates (canonical list
// minus the excluded set) and returns every maximal block whose price spread
// stays within variationMaxPct. Blocks shorter than minLen are discarded.
// Candidate prices must already be sorted ascending.
func FormBlocks(candidates []model.Candidate, excluded map[int]struct{}, variationMaxPct float64, minLen int) []model.Block {
	remaining := make([]int, 0, len(candidates))
	for i := range candidates {
		if _, skip := excluded[i]; !skip {
			remaining = append(remaining, i)
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	factor := decimal.NewFromFloat(1 + variationMaxPct/100)

	blocks := make([]model.Block, 0, len(remaining))
	for i := range remaining {
		ceiling := candidates[remaining[i]].ListingPrice.Mul(factor)
		end := i
		for end+1 < len(remaining) && candidates[remaining[end+1]].ListingPrice.LessThanOrEqual(ceiling) {
			end++
		}
		if end-i+1 < minLen {
			continue
		}
		indices := make([]int, end-i+1)
		copy(indices, remaining[i:end+1])
		blocks = append(blocks, model.Block{Indices: indices})
	}
	return blocks
}

// Prioritize orders blocks largest first, breaking ties by lowest starting
// price.
func Prioritize(blocks []model.Block, candidates []model.Candidate) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Len() != blocks[j].Len() {
			return blocks[i].Len() > blocks[j].Len()
		}
		return blocks[i].FirstPrice(candidates).LessThan(blocks[j].FirstPrice(candidates))
	})
}

// Categorize classifies a block against the iteration state. ok is false
// when the block is useful in no category.
func Categorize(b model.Block, validated, failed map[int]struct{}, target int) (Category, bool) {
	containsAll := true
	for idx := range validated {
		if !b.Contains(idx) {
			containsAll = false
			break
		}
	}

	if containsAll {
		untried := 0
		for _, idx := range b.Indices {
			if _, ok := validated[idx]; ok {
				continue
			}
			if _, ok := failed[idx]; ok {
				continue
			}
			untried++
		}
		if untried >= target-len(validated) {
			return CatExtend, true
		}
		return CatStuck, true
	}

	if b.Len() >= target {
		return CatAlternative, true
	}
	return 0, false
}

// SelectBlock picks the next block to process: extension blocks first, then
// stuck blocks, then alternatives, each internally prioritized.
func SelectBlock(blocks []model.Block, candidates []model.Candidate, validated, failed map[int]struct{}, target int) (model.Block, Category, bool) {
	byCat := map[Category][]model.Block{}
	for _, b := range blocks {
		cat, ok := Categorize(b, validated, failed, target)
		if !ok {
			continue
		}
		byCat[cat] = append(byCat[cat], b)
	}

	for _, cat := range []Category{CatExtend, CatStuck, CatAlternative} {
		group := byCat[cat]
		if len(group) == 0 {
			continue
		}
		Prioritize(group, candidates)
		return group[0], cat, true
	}
	return model.Block{}, 0, false
}

// Spread returns the relative spread (max/min − 1)·100 of the given prices.
func Spread(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}
	minP, maxP := prices[0], prices[0]
	for _, p := range prices[1:] {
		if p.LessThan(minP) {
			minP = p
		}
		if p.GreaterThan(maxP) {
			maxP = p
		}
	}
	if minP.IsZero() {
		return decimal.Zero
	}
	return maxP.Div(minP).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
}
