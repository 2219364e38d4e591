package model

import "github.com/shopspring/decimal"

// Candidate is a raw product from the shopping search, pre-rendering.
// Candidates are in-memory only and owned by the request being processed.
type Candidate struct {
	Title           string          `json:"title"`
	ListingPrice    decimal.Decimal `json:"listing_price"`
	SourceName      string          `json:"source_name"`
	DeepLookupToken string          `json:"deep_lookup_token,omitempty"`
	ProductLink     string          `json:"product_link,omitempty"`
	Position        int             `json:"position"`
}

// Block is a contiguous subsequence of the price-sorted candidate list whose
// max/min price ratio satisfies the variation tolerance. A Block never owns
// candidates; it holds indices into the canonical list.
type Block struct {
	Indices []int
}

// Len returns the number of candidates in the block.
func (b Block) Len() int { return len(b.Indices) }

// FirstPrice returns the listing price of the cheapest (first) member.
func (b Block) FirstPrice(candidates []Candidate) decimal.Decimal {
	if len(b.Indices) == 0 {
		return decimal.Zero
	}
	return candidates[b.Indices[0]].ListingPrice
}

// Contains reports whether the block includes the candidate index.
func (b Block) Contains(idx int) bool {
	for _, i := range b.Indices {
		if i == idx {
			return true
		}
	}
	return false
}
