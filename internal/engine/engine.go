package engine

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/model"
)

// Worker acquires one observation for one candidate. Exactly one of source
// and failure is non-nil on a nil error; a non-nil error aborts the run.
type Worker interface {
	Process(ctx context.Context, cand model.Candidate, seenDomains map[string]struct{}) (*model.QuoteSource, *model.QuoteSourceFailure, error)
}

// Outcome is the terminal state of an engine run.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeBestEffort Outcome = "best_effort"
	OutcomeEmpty      Outcome = "empty"
)

// Result carries the accepted observations and every failure seen along the
// way. Validated is sorted ascending by price.
type Result struct {
	Validated  []model.QuoteSource
	Failures   []model.QuoteSourceFailure
	Outcome    Outcome
	Iterations int
}

// Engine drives block selection and candidate dispatch until the target
// count is reached or the candidate pool is exhausted.
type Engine struct {
	worker     Worker
	target     int
	maxPct     float64
	maxIters   int
	onProgress func(validated int)
}

// New creates an Engine. onProgress, if non-nil, is called after every
// dispatch with the current validated count.
func New(worker Worker, params model.QuoteParams, onProgress func(validated int)) *Engine {
	return &Engine{
		worker:     worker,
		target:     params.TargetCount,
		maxPct:     params.VariationMaxPct,
		maxIters:   params.MaxBlockIterations,
		onProgress: onProgress,
	}
}

// Run executes the iteration loop over a price-sorted candidate list.
func (e *Engine) Run(ctx context.Context, candidates []model.Candidate) (*Result, error) {
	if len(candidates) == 0 {
		return &Result{Outcome: OutcomeEmpty}, nil
	}

	validated := map[int]model.QuoteSource{}
	failed := map[int]struct{}{}
	var failures []model.QuoteSourceFailure
	var reserve map[int]model.QuoteSource
	reserveSpent := false

	iterations := 0
	for iterations < e.maxIters {
		iterations++
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "engine: run cancelled")
		}

		all := FormBlocks(candidates, failed, e.maxPct, 1)
		if len(all) == 0 {
			break
		}
		blocks := qualifyBlocks(all, keySet(validated), e.target)
		relaxed := false
		if len(blocks) == 0 {
			if len(validated) > 0 {
				break
			}
			// No block can reach the target on its own. Gather what the
			// remaining candidates offer so the request can end in review
			// instead of empty-handed.
			blocks = all
			relaxed = true
		}

		block, cat, ok := SelectBlock(blocks, candidates, keySet(validated), failed, e.target)
		if !ok {
			break
		}

		if cat == CatStuck && !relaxed {
			if reserveSpent {
				break
			}
			alt, found := e.pickAlternative(blocks, candidates, keySet(validated), failed)
			if !found {
				break
			}
			// Park the current neighborhood and try the alternative from
			// scratch. Failures carry over; validations do not.
			reserve = validated
			reserveSpent = true
			validated = map[int]model.QuoteSource{}
			block = alt
			zap.L().Info("trying alternative price neighborhood",
				zap.Int("reserved", len(reserve)),
				zap.Int("block_size", block.Len()),
			)
		}

		reached, newFailures, err := e.processBlock(ctx, block, candidates, validated, failed)
		failures = append(failures, newFailures...)
		if err != nil {
			return nil, err
		}
		if reached {
			sources := sortedSources(validated)
			if e.withinSpread(sources) {
				return &Result{
					Validated:  sources,
					Failures:   failures,
					Outcome:    OutcomeSuccess,
					Iterations: iterations,
				}, nil
			}
			// Extracted prices drifted beyond the tolerance the block was
			// formed under. More dispatches cannot fix that.
			break
		}

		if relaxed && len(validated) > 0 {
			// A relaxed block cannot reach the target; stop after one pass.
			break
		}
	}

	if reserve != nil && len(validated) < e.target {
		// The alternative neighborhood did not reach the target either;
		// the parked validations stand.
		validated = reserve
	}

	outcome := OutcomeBestEffort
	if len(validated) == 0 {
		outcome = OutcomeEmpty
	}
	return &Result{
		Validated:  sortedSources(validated),
		Failures:   failures,
		Outcome:    outcome,
		Iterations: iterations,
	}, nil
}

// processBlock dispatches the block's untried members in ascending price
// order. It stops at the first new failure so blocks can be recomputed, or
// as soon as the target is reached.
func (e *Engine) processBlock(ctx context.Context, block model.Block, candidates []model.Candidate, validated map[int]model.QuoteSource, failed map[int]struct{}) (bool, []model.QuoteSourceFailure, error) {
	var newFailures []model.QuoteSourceFailure
	for _, idx := range block.Indices {
		if len(validated) >= e.target {
			return true, newFailures, nil
		}
		if _, ok := validated[idx]; ok {
			continue
		}
		if _, ok := failed[idx]; ok {
			continue
		}

		source, failure, err := e.worker.Process(ctx, candidates[idx], seenDomains(validated))
		if err != nil {
			return false, newFailures, eris.Wrap(err, "engine: process candidate")
		}

		if source != nil {
			validated[idx] = *source
			if e.onProgress != nil {
				e.onProgress(len(validated))
			}
			continue
		}

		failed[idx] = struct{}{}
		if failure != nil {
			newFailures = append(newFailures, *failure)
		}
		if e.onProgress != nil {
			e.onProgress(len(validated))
		}
		// Membership changed; let the caller recompute blocks.
		return false, newFailures, nil
	}
	return len(validated) >= e.target, newFailures, nil
}

// pickAlternative returns the best block that excludes at least one
// validated member but could reach the target on its own.
func (e *Engine) pickAlternative(blocks []model.Block, candidates []model.Candidate, validated, failed map[int]struct{}) (model.Block, bool) {
	var alts []model.Block
	for _, b := range blocks {
		if cat, ok := Categorize(b, validated, failed, e.target); ok && cat == CatAlternative {
			alts = append(alts, b)
		}
	}
	if len(alts) == 0 {
		return model.Block{}, false
	}
	Prioritize(alts, candidates)
	return alts[0], true
}

func (e *Engine) withinSpread(sources []model.QuoteSource) bool {
	prices := make([]decimal.Decimal, len(sources))
	for i, s := range sources {
		prices[i] = s.PriceValue
	}
	return Spread(prices).LessThanOrEqual(decimal.NewFromFloat(e.maxPct))
}

func seenDomains(validated map[int]model.QuoteSource) map[string]struct{} {
	seen := make(map[string]struct{}, len(validated))
	for _, s := range validated {
		if s.Domain != "" {
			seen[s.Domain] = struct{}{}
		}
	}
	return seen
}

func keySet(validated map[int]model.QuoteSource) map[int]struct{} {
	keys := make(map[int]struct{}, len(validated))
	for idx := range validated {
		keys[idx] = struct{}{}
	}
	return keys
}

// qualifyBlocks keeps blocks that can reach the target on their own plus
// the blocks forming the current validated neighborhood.
func qualifyBlocks(blocks []model.Block, validated map[int]struct{}, target int) []model.Block {
	out := make([]model.Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Len() >= target {
			out = append(out, b)
			continue
		}
		if len(validated) == 0 {
			continue
		}
		containsAll := true
		for idx := range validated {
			if !b.Contains(idx) {
				containsAll = false
				break
			}
		}
		if containsAll {
			out = append(out, b)
		}
	}
	return out
}

func sortedSources(validated map[int]model.QuoteSource) []model.QuoteSource {
	sources := make([]model.QuoteSource, 0, len(validated))
	for _, s := range validated {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].PriceValue.LessThan(sources[j].PriceValue)
	})
	return sources
}
