// Package consolidation implements the Consolidation Pipeline (spec.md
// §4.5): staged, transactional promotion of items from a source tier to a
// target tier. Grounded on the 5-stage ConsolidationService pattern from
// other_examples/cea25bf7_Harshitk-cp-engram__internal-service-consolidation.go.go
// (independently-staged processing, zap structured logging) combined with
// the teacher's claim/in-flight guard idiom — absent verbatim in the
// teacher, modeled on MemoryEngine's sync.RWMutex-guarded started/
// shuttingDown flags — and its retry/back-off style from
// internal/llm/circuit_breaker.go.
package consolidation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cortexmem/engine/internal/audit"
	"github.com/cortexmem/engine/internal/embedding"
	"github.com/cortexmem/engine/internal/metrics"
	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/internal/tier"
	"github.com/cortexmem/engine/internal/watchdog"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

// Outcome reports what happened to one candidate during a pipeline pass.
type Outcome string

const (
	OutcomePromoted Outcome = "promoted"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// BatchResult summarizes one RunBatch call.
type BatchResult struct {
	Promoted int
	Skipped  int
	Failed   int
	Duration time.Duration
}

// Pipeline promotes eligible items from source to target, one configured
// tier pair at a time. A manager wires one Pipeline per (source, target)
// edge: STM->MTM and MTM->LTM.
type Pipeline struct {
	source *tier.Tier
	target *tier.Tier

	provider embedding.Provider
	watchdog *watchdog.Watchdog
	trail    *audit.Trail
	metrics  *metrics.Metrics
	logger   *zap.Logger
	breaker  *storage.Breaker

	batchSize int

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Config tunes the pipeline's batching and retry behavior.
type Config struct {
	BatchSize int
	Retry     storage.RetryConfig
}

// New constructs a Pipeline promoting from source to target.
func New(source, target *tier.Tier, provider embedding.Provider, wd *watchdog.Watchdog, trail *audit.Trail, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		source:    source,
		target:    target,
		provider:  provider,
		watchdog:  wd,
		trail:     trail,
		metrics:   m,
		logger:    logger,
		breaker:   storage.NewBreaker(cfg.Retry),
		batchSize: cfg.BatchSize,
		inFlight:  make(map[string]struct{}),
	}
}

// RunBatch selects one batch of eligible candidates from the source tier
// and attempts to promote each to the target tier, per spec.md §4.5's
// eight-step algorithm.
func (p *Pipeline) RunBatch(ctx context.Context) (BatchResult, error) {
	start := time.Now()
	var result BatchResult

	candidates, err := p.selectCandidates(ctx)
	if err != nil {
		return result, fmt.Errorf("consolidation: select candidates: %w", err)
	}

	for _, candidate := range candidates {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(start)
			return result, ctx.Err()
		default:
		}

		switch p.promoteOne(ctx, candidate) {
		case OutcomePromoted:
			result.Promoted++
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeFailed:
			result.Failed++
		}
	}

	result.Duration = time.Since(start)
	if p.metrics != nil {
		p.metrics.ObserveConsolidationBatch(p.source.Name(), result.Duration.Seconds())
	}
	return result, nil
}

// selectCandidates fetches eligible items from the source tier and orders
// them per spec.md §4.5: descending by an importance*strength*recency
// composite (the highest-value items promote first on a contended cycle),
// older items breaking ties, capped at the configured batch size.
func (p *Pipeline) selectCandidates(ctx context.Context) ([]*types.MemoryItem, error) {
	items, err := p.source.Backend().Search(ctx, storage.Filter{Limit: p.batchSize * 8})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	eligible := make([]*types.MemoryItem, 0, len(items))
	for _, scored := range items {
		if p.source.EligibleForPromotion(scored.Item, now) {
			eligible = append(eligible, scored.Item)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		ci, cj := compositeScore(eligible[i], now), compositeScore(eligible[j], now)
		if ci != cj {
			return ci > cj
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if len(eligible) > p.batchSize {
		eligible = eligible[:p.batchSize]
	}
	return eligible, nil
}

// compositeScore combines importance, strength, and recency into the
// ordering key spec.md §4.5 names. Recency decays on a one-day scale so an
// item accessed moments ago outranks an equally strong item untouched for
// a week.
func compositeScore(item *types.MemoryItem, now time.Time) float64 {
	age := now.Sub(item.LastAccessedAt)
	if age < 0 {
		age = 0
	}
	recency := 1.0 / (1.0 + age.Hours()/24.0)
	return item.Importance * item.Strength * recency
}

// promoteOne runs the claim/read/transform/admit/write/delete/audit/
// release sequence for one candidate id.
func (p *Pipeline) promoteOne(ctx context.Context, candidate *types.MemoryItem) Outcome {
	id := candidate.ID

	// 1. Claim.
	if !p.claim(id) {
		return OutcomeSkipped
	}
	defer p.release(id)

	// 2. Read source with current version.
	item, err := p.source.Backend().Read(ctx, id)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return OutcomeSkipped
		}
		p.logger.Warn("consolidation: read source failed", zap.String("id", id), zap.Error(err))
		return OutcomeFailed
	}

	originalState := item.State
	if err := tier.Transition(item, types.StatePromoting); err != nil {
		p.logger.Info("consolidation: item not eligible for promoting transition", zap.String("id", id), zap.Error(err))
		return OutcomeSkipped
	}
	item.Version++
	if err := p.source.Backend().Update(ctx, item); err != nil {
		p.logger.Warn("consolidation: claim-state update failed", zap.String("id", id), zap.Error(err))
		return OutcomeSkipped
	}

	// 3. Transform (LTM target only).
	summaryPresent, embeddingPresent := false, len(item.Embedding) > 0
	if p.target.Name() == types.TierLTM {
		if err := p.transform(ctx, item); err != nil {
			p.logger.Warn("consolidation: transform failed", zap.String("id", id), zap.Error(err))
			p.revertClaim(ctx, item, originalState)
			return OutcomeFailed
		}
		summaryPresent = item.Summary != ""
		embeddingPresent = len(item.Embedding) > 0
	}

	// 4. Admit target.
	if p.watchdog != nil {
		if err := p.watchdog.Admit(ctx, p.target.Name()); err != nil {
			p.logger.Info("consolidation: target admission denied", zap.String("id", id), zap.Error(err))
			p.revertClaim(ctx, item, originalState)
			return OutcomeSkipped
		}
	}

	// 5. Write target, with retry on transient failure.
	target := item.Clone()
	target.Tier = p.target.Name()
	target.State = types.ActiveStateForTier(p.target.Name())
	target.Version = 1

	// writeWithRetry treats AlreadyExists (duplicate by deterministic id,
	// e.g. an external retry) as success per spec.md §4.5's dedup rule.
	if writeErr := p.writeWithRetry(ctx, target); writeErr != nil {
		p.logger.Error("consolidation: write target failed", zap.String("id", id), zap.Error(writeErr))
		p.revertClaim(ctx, item, originalState)
		return OutcomeFailed
	}

	// 6. Delete source; on failure, compensating rollback.
	if _, err := p.source.Backend().Delete(ctx, id); err != nil {
		p.logger.Error("consolidation: delete source failed, rolling back target", zap.String("id", id), zap.Error(err))
		if _, rollbackErr := p.target.Backend().Delete(ctx, id); rollbackErr != nil {
			p.logger.Error("consolidation: compensating rollback failed, item needs operator attention",
				zap.String("id", id), zap.Error(rollbackErr))
			if p.trail != nil {
				p.trail.Emit(audit.EventPromotionInconsistent, id,
					audit.WithPromotion(p.source.Name(), p.target.Name()),
					audit.WithReason(rollbackErr.Error()))
			}
			if p.metrics != nil {
				p.metrics.RecordPromotionInconsistent()
			}
		}
		return OutcomeFailed
	}

	// 7. Audit.
	if p.trail != nil {
		reason := ""
		if summaryPresent || embeddingPresent {
			reason = fmt.Sprintf("summary=%t embedding=%t", summaryPresent, embeddingPresent)
		}
		p.trail.Emit(audit.EventPromoted, id, audit.WithPromotion(p.source.Name(), p.target.Name()), audit.WithReason(reason))
	}
	if p.metrics != nil {
		p.metrics.RecordPromotion(p.source.Name(), p.target.Name())
	}

	// 8. Release claim happens via defer.
	return OutcomePromoted
}

// revertClaim restores item to its pre-claim active state after an abort,
// best-effort: a failure here just leaves the item Promoting until the
// next maintenance pass reconciles it.
func (p *Pipeline) revertClaim(ctx context.Context, item *types.MemoryItem, originalState types.ItemState) {
	item.State = originalState
	item.Version++
	if err := p.source.Backend().Update(ctx, item); err != nil {
		p.logger.Warn("consolidation: revert claim-state failed", zap.String("id", item.ID), zap.Error(err))
	}
}

// writeWithRetry wraps the target Create in the pipeline's retry policy,
// treating AlreadyExists as an immediate, non-retried success per
// spec.md §4.5's deduplication rule.
func (p *Pipeline) writeWithRetry(ctx context.Context, target *types.MemoryItem) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		err := p.target.Backend().Create(ctx, target)
		if errs.Is(err, errs.KindAlreadyExists) {
			return nil
		}
		return err
	})
}

// transform computes the LTM-bound summary, keywords, and embedding for
// item, skipping any piece already present (re-consolidation of an item
// that failed a later step shouldn't redo earlier work).
func (p *Pipeline) transform(ctx context.Context, item *types.MemoryItem) error {
	if item.Summary == "" {
		item.Summary = summarize(item.Content, 3)
	}
	if len(item.Keywords) == 0 {
		item.Keywords = extractKeywords(item.Content, item.Importance, 8)
	}
	if len(item.Embedding) == 0 && p.provider != nil {
		vec, err := p.provider.Embed(ctx, item.Content)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		item.Embedding = vec
		item.EmbeddingModel = p.provider.Model()
		item.EmbeddingDimension = p.provider.Dimension()
		item.ContentHash = embedding.ContentHash(item.Content)
	}
	return nil
}

func (p *Pipeline) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, held := p.inFlight[id]; held {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

// summarize performs weighted sentence selection: every sentence scores by
// the sum of its words' corpus frequency, the top `limit` highest-scoring
// sentences are kept in their original order and joined.
func summarize(content string, limit int) string {
	sentences := splitSentences(content)
	if len(sentences) <= limit {
		return strings.TrimSpace(content)
	}

	freq := wordFrequency(content)
	type scored struct {
		index int
		text  string
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		var score float64
		for _, w := range tokenize(s) {
			score += freq[w]
		}
		ranked[i] = scored{index: i, text: s, score: score}
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].index < ranked[j].index })

	parts := make([]string, len(ranked))
	for i, r := range ranked {
		parts[i] = r.text
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// extractKeywords scores each distinct word by frequency * (0.5 + importance) and
// returns the top `limit` words, stop-words excluded.
func extractKeywords(content string, importance float64, limit int) []string {
	freq := wordFrequency(content)
	type scored struct {
		word  string
		score float64
	}
	ranked := make([]scored, 0, len(freq))
	for w, f := range freq {
		ranked = append(ranked, scored{word: w, score: f * (0.5 + importance)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].word < ranked[j].word
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.word
	}
	return out
}

func wordFrequency(content string) map[string]float64 {
	freq := make(map[string]float64)
	for _, w := range tokenize(content) {
		freq[w]++
	}
	return freq
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, w := range fields {
		if len(w) <= 2 || stopWords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

func splitSentences(content string) []string {
	raw := strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"were": true, "that": true, "this": true, "with": true, "from": true,
	"have": true, "has": true, "had": true, "not": true, "but": true,
	"you": true, "your": true, "they": true, "their": true, "its": true,
	"about": true, "into": true, "than": true, "then": true, "them": true,
}
