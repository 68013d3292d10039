// Package search implements the Cross-Tier Search pipeline (spec.md
// §4.9): fan out a query to every tier's backend, score each candidate
// with a weighted composite of vector similarity, lexical match,
// importance, strength, and recency, merge, truncate, and reinforce
// whatever was returned. Adapted from the teacher's
// internal/engine/search_orchestrator.go weighted-ScoreComponents
// pattern and FTS5-then-fallback dual path, generalized from one store
// to N tier backends queried concurrently.
package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cortexmem/engine/internal/decay"
	"github.com/cortexmem/engine/internal/embedding"
	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/internal/tier"
	"github.com/cortexmem/engine/pkg/types"
)

// Weights holds the composite scoring coefficients (spec.md §4.9).
type Weights struct {
	VectorSimilarity float64
	Lexical          float64
	Importance       float64
	Strength         float64
	Recency          float64
}

// Config tunes the search pipeline.
type Config struct {
	// Weights holds one coefficient set per tier (spec.md §4.9 step 3:
	// "LTM favours vector, STM favours recency"). A tier absent from the
	// map, or given all-zero coefficients, uses its own package default
	// from defaultWeights.
	Weights map[types.Tier]Weights

	// OverfetchFactor multiplies the requested limit when querying each
	// tier backend, so post-merge truncation still has enough candidates
	// to pick the true top-K from.
	OverfetchFactor int

	// ReinforcementOnReadUnit is the strengthen amount passed to
	// decay.ReinforceOnAccess for every item a search call returns.
	ReinforcementOnReadUnit float64

	// MinRelevance is the composite-score floor below which a candidate
	// is dropped (spec.md §4.9 step 3, §6 "min_relevance default").
	MinRelevance float64
}

// defaultWeights returns the spec.md §6 default coefficients for tier,
// biased per §4.9 step 3: STM favours recency, LTM favours vector
// similarity, MTM sits between the two.
func defaultWeights(t types.Tier) Weights {
	switch t {
	case types.TierSTM:
		return Weights{VectorSimilarity: 0.20, Lexical: 0.25, Importance: 0.15, Strength: 0.10, Recency: 0.30}
	case types.TierLTM:
		return Weights{VectorSimilarity: 0.55, Lexical: 0.15, Importance: 0.15, Strength: 0.10, Recency: 0.05}
	default: // types.TierMTM and anything unrecognized
		return Weights{VectorSimilarity: 0.45, Lexical: 0.20, Importance: 0.15, Strength: 0.10, Recency: 0.10}
	}
}

func (c Config) normalized() Config {
	if c.OverfetchFactor <= 0 {
		c.OverfetchFactor = 3
	}
	if c.ReinforcementOnReadUnit <= 0 {
		c.ReinforcementOnReadUnit = 0.25
	}
	w := make(map[types.Tier]Weights, 3)
	for _, t := range []types.Tier{types.TierSTM, types.TierMTM, types.TierLTM} {
		if set, ok := c.Weights[t]; ok && (set.VectorSimilarity != 0 || set.Lexical != 0 || set.Importance != 0 || set.Strength != 0 || set.Recency != 0) {
			w[t] = set
		} else {
			w[t] = defaultWeights(t)
		}
	}
	c.Weights = w
	return c
}

// weightsFor returns the configured coefficient set for t, falling back
// to the MTM set for a tier other than STM, MTM or LTM.
func (c Config) weightsFor(t types.Tier) Weights {
	if w, ok := c.Weights[t]; ok {
		return w
	}
	return c.Weights[types.TierMTM]
}

// Options configures one Search call.
type Options struct {
	Query         string
	QueryVector   []float32
	TenantID      string
	UserID        string
	Tags          []string
	Limit         int
	IncludeTiers  []types.Tier // nil means all tiers
	MinImportance float64

	// MinRelevance overrides the pipeline's configured MinRelevance floor
	// for this call when non-zero.
	MinRelevance float64
}

// Result is one ranked search hit.
type Result struct {
	Item       *types.MemoryItem
	Score      float64
	Components Components
}

// Components breaks Score down into its weighted contributions, exposed
// for diagnostics and the manager's API responses.
type Components struct {
	VectorSimilarity float64
	Lexical          float64
	Importance       float64
	Strength         float64
	Recency          float64
}

// ReinforceFunc persists a reinforced item back to its owning tier's
// backend. internal/manager supplies this so package search never needs
// to know which tier a result came from beyond the decay math.
type ReinforceFunc func(ctx context.Context, tierName types.Tier, item *types.MemoryItem) error

// Pipeline runs cross-tier search over a fixed set of tiers.
type Pipeline struct {
	tiers    []*tier.Tier
	provider embedding.Provider
	decay    map[types.Tier]decay.Params
	reinforce ReinforceFunc
	logger   *zap.Logger
	cfg      Config
}

// New constructs a Pipeline over tiers. provider may be nil to disable
// query-text embedding (vector similarity then always scores zero).
// decayParams supplies the per-tier reinforcement equation used to boost
// a returned item's strength on read; reinforce persists that boost.
func New(tiers []*tier.Tier, provider embedding.Provider, decayParams map[types.Tier]decay.Params, reinforce ReinforceFunc, logger *zap.Logger, cfg Config) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		tiers:     tiers,
		provider:  provider,
		decay:     decayParams,
		reinforce: reinforce,
		logger:    logger,
		cfg:       cfg.normalized(),
	}
}

// Search runs opts across every configured tier (or IncludeTiers, if
// set), scores and merges the results, reinforces each returned item on
// read, and returns the top Options.Limit hits.
func (p *Pipeline) Search(ctx context.Context, opts Options) ([]Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	queryVector := opts.QueryVector
	if len(queryVector) == 0 && opts.Query != "" && p.provider != nil {
		vec, err := p.provider.Embed(ctx, opts.Query)
		if err != nil {
			p.logger.Warn("search: query embedding failed, continuing lexical-only", zap.Error(err))
		} else {
			queryVector = vec
		}
	}

	targets := p.tiers
	if len(opts.IncludeTiers) > 0 {
		targets = filterTiers(p.tiers, opts.IncludeTiers)
	}

	fetchLimit := opts.Limit * p.cfg.OverfetchFactor

	type tierHits struct {
		tierName types.Tier
		items    []storage.ScoredItem
	}
	hitsCh := make(chan tierHits, len(targets))
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t *tier.Tier) {
			defer wg.Done()
			filter := storage.Filter{
				TenantID:      opts.TenantID,
				UserID:        opts.UserID,
				Tags:          opts.Tags,
				MinImportance: opts.MinImportance,
				QueryVector:   queryVector,
				K:             fetchLimit,
				Limit:         fetchLimit,
			}
			filter.Normalize()
			items, err := t.Backend().Search(ctx, filter)
			if err != nil {
				p.logger.Warn("search: tier query failed", zap.String("tier", string(t.Name())), zap.Error(err))
				hitsCh <- tierHits{tierName: t.Name()}
				return
			}
			hitsCh <- tierHits{tierName: t.Name(), items: items}
		}(t)
	}
	wg.Wait()
	close(hitsCh)

	queryLower := strings.ToLower(opts.Query)
	now := time.Now()

	minRelevance := opts.MinRelevance
	if minRelevance <= 0 {
		minRelevance = p.cfg.MinRelevance
	}

	var merged []Result
	for h := range hitsCh {
		w := p.cfg.weightsFor(h.tierName)
		for _, scored := range h.items {
			comp := p.score(scored, queryLower, now)
			total := comp.VectorSimilarity*w.VectorSimilarity +
				comp.Lexical*w.Lexical +
				comp.Importance*w.Importance +
				comp.Strength*w.Strength +
				comp.Recency*w.Recency
			if total < minRelevance {
				continue
			}
			merged = append(merged, Result{Item: scored.Item, Score: total, Components: comp})
		}
	}

	merged = dedup(merged)

	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.LastAccessedAt.Equal(b.Item.LastAccessedAt) {
			return a.Item.LastAccessedAt.After(b.Item.LastAccessedAt)
		}
		return a.Item.ID < b.Item.ID
	})

	if len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}

	for _, r := range merged {
		p.reinforceOnRead(ctx, r.Item)
	}

	return merged, nil
}

// score computes one candidate's Components. The backend-reported
// ScoredItem.Score is treated as the vector-similarity signal when the
// query carried a vector (backends with no native vector support report
// 0, which simply zeroes that term).
func (p *Pipeline) score(scored storage.ScoredItem, queryLower string, now time.Time) Components {
	item := scored.Item

	lexical := 0.0
	if queryLower != "" {
		lexical = lexicalScore(item, queryLower)
	}

	age := now.Sub(item.LastAccessedAt)
	if age < 0 {
		age = 0
	}
	recency := 1.0 / (1.0 + age.Hours()/24.0)

	return Components{
		VectorSimilarity: scored.Score,
		Lexical:          lexical,
		Importance:       item.Importance,
		Strength:         item.Strength,
		Recency:          recency,
	}
}

func lexicalScore(item *types.MemoryItem, queryLower string) float64 {
	content := strings.ToLower(item.Content)
	if strings.Contains(content, queryLower) {
		return 1.0
	}
	words := strings.Fields(queryLower)
	if len(words) == 0 {
		return 0
	}
	matched := 0
	for _, w := range words {
		if strings.Contains(content, w) {
			matched++
		}
	}
	score := float64(matched) / float64(len(words))
	for _, tag := range item.Tags {
		if strings.Contains(strings.ToLower(tag), queryLower) {
			score = math.Min(1.0, score+0.2)
		}
	}
	return score
}

// reinforceOnRead applies decay.ReinforceOnAccess to item using its
// tier's decay params, writing the result back via reinforce. Best
// effort: a failure here never fails the search call itself.
func (p *Pipeline) reinforceOnRead(ctx context.Context, item *types.MemoryItem) {
	if p.reinforce == nil {
		return
	}
	params, ok := p.decay[item.Tier]
	if !ok {
		return
	}

	result := decay.ReinforceOnAccess(item, params, p.cfg.ReinforcementOnReadUnit)
	item.ReinforcementLevel = result.NewReinforcement
	item.Strength = result.NewStrength
	item.AccessCount++
	item.LastAccessedAt = time.Now()
	item.Version++

	if err := p.reinforce(ctx, item.Tier, item); err != nil {
		p.logger.Warn("search: reinforce-on-read write-back failed", zap.String("id", item.ID), zap.Error(err))
	}
}

func filterTiers(tiers []*tier.Tier, want []types.Tier) []*tier.Tier {
	set := make(map[types.Tier]bool, len(want))
	for _, t := range want {
		set[t] = true
	}
	var out []*tier.Tier
	for _, t := range tiers {
		if set[t.Name()] {
			out = append(out, t)
		}
	}
	return out
}

// tierRank orders tiers for dedup precedence: LTM is the terminal,
// consolidated copy of a memory and wins over any STM/MTM duplicate still
// in flight through promotion (spec.md §4.9 step 4).
func tierRank(t types.Tier) int {
	switch t {
	case types.TierLTM:
		return 3
	case types.TierMTM:
		return 2
	case types.TierSTM:
		return 1
	default:
		return 0
	}
}

// dedup collapses duplicate ids that surfaced from more than one tier
// query during promotion, keeping the higher-tier instance regardless of
// which one scored higher (spec.md §4.9 step 4). Runs before the final
// sort, so result order here is irrelevant.
func dedup(results []Result) []Result {
	best := make(map[string]Result, len(results))
	for _, r := range results {
		cur, ok := best[r.Item.ID]
		if !ok || tierRank(r.Item.Tier) > tierRank(cur.Item.Tier) {
			best[r.Item.ID] = r
		}
	}
	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out
}
