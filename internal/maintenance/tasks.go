package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cortexmem/engine/internal/audit"
	"github.com/cortexmem/engine/internal/consolidation"
	"github.com/cortexmem/engine/internal/decay"
	"github.com/cortexmem/engine/internal/metrics"
	"github.com/cortexmem/engine/internal/storage"
	"github.com/cortexmem/engine/internal/tier"
	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

// scanPageSize bounds how many items one decay/quality-sweep pass reads
// per Search call, so a single cycle never holds an unbounded result set
// in memory.
const scanPageSize = 200

// NewDecayTask builds the recurring decay task for t (MTM or LTM only;
// STM relies on TTL-on-read expiry and is swept by the quality-sweep
// task instead). Paginates the tier's active items, applies one
// decay.ApplyPass per item, transitions any newly-Forgotten item through
// the state machine, and soft-deletes it.
func NewDecayTask(t *tier.Tier, params decay.Params, trail *audit.Trail, m *metrics.Metrics, logger *zap.Logger, sched Schedule) *Task {
	tierName := t.Name()
	key := "decay:" + string(tierName)

	run := func(ctx context.Context, manual bool) (CycleStats, error) {
		start := time.Now()
		stats := CycleStats{}

		offset := 0
		for {
			filter := storage.Filter{Limit: scanPageSize, Offset: offset}
			filter.Normalize()
			results, err := t.Backend().Search(ctx, filter)
			if err != nil {
				stats.Errors++
				return stats, err
			}
			if len(results) == 0 {
				break
			}

			for _, scored := range results {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				default:
				}

				item := scored.Item
				if item.DeletedAt != nil {
					continue
				}
				stats.Touched++

				result := decay.ApplyPass(item, params, time.Now(), manual)
				if !result.Changed(item) && !result.Forgotten {
					continue
				}
				result.Apply(item, time.Now())

				if result.Forgotten {
					if err := tier.Transition(item, types.StateForgotten); err != nil {
						stats.Errors++
						logger.Warn("decay: illegal forget transition", zap.String("id", item.ID), zap.Error(err))
						continue
					}
					now := time.Now()
					item.DeletedAt = &now
				}

				item.Version++
				if err := t.Backend().Update(ctx, item); err != nil {
					stats.Errors++
					logger.Error("decay: write-back failed", zap.String("id", item.ID), zap.Error(err))
					continue
				}

				if result.Forgotten {
					stats.Forgotten++
					if trail != nil {
						trail.Emit(audit.EventForgotten, item.ID, audit.WithReason("decay_threshold"))
					}
					if m != nil {
						m.RecordForgotten(tierName, "decay_threshold")
					}
				}
			}

			if len(results) < scanPageSize {
				break
			}
			offset += scanPageSize
		}

		if m != nil {
			m.ObserveDecayPass(tierName, time.Since(start).Seconds())
		}
		return stats, nil
	}

	return &Task{Kind: KindDecay, Key: key, Run: run, Schedule: sched}
}

// NewConsolidateTask wraps a consolidation.Pipeline as a recurring
// maintenance task, running batches back-to-back within the cycle's
// budget until a batch promotes nothing or the budget is spent.
func NewConsolidateTask(sourceTier types.Tier, p *consolidation.Pipeline, sched Schedule) *Task {
	key := "consolidate:" + string(sourceTier)

	run := func(ctx context.Context, manual bool) (CycleStats, error) {
		stats := CycleStats{}
		deadline := time.Now().Add(sched.Budget)

		for {
			if sched.Budget > 0 && time.Now().After(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			default:
			}

			result, err := p.RunBatch(ctx)
			stats.Touched += result.Promoted + result.Skipped + result.Failed
			stats.Promoted += result.Promoted
			stats.Errors += result.Failed
			if err != nil {
				stats.Errors++
				return stats, err
			}
			if result.Promoted == 0 {
				break
			}
		}
		return stats, nil
	}

	return &Task{Kind: KindConsolidate, Key: key, Run: run, Schedule: sched}
}

// GracePeriod bounds how long a soft-deleted record is retained before
// the quality-sweep task purges it outright, mirroring the teacher's
// internal/backup/retention.go age-bucket grace-period idiom applied to
// per-item soft-deletes instead of whole backup snapshots.
type GracePeriod struct {
	Tier   types.Tier
	Tier2  *tier.Tier
	Period time.Duration
}

// NewQualitySweepTask builds the recurring quality-sweep task: it expires
// STM items whose TTL elapsed without being caught by a read, and
// physically purges soft-deleted records (from decay forgetting or
// explicit delete) past their tier's grace period.
func NewQualitySweepTask(stm *tier.Tier, all []*tier.Tier, gracePeriods map[types.Tier]time.Duration, trail *audit.Trail, m *metrics.Metrics, logger *zap.Logger, sched Schedule) *Task {
	run := func(ctx context.Context, manual bool) (CycleStats, error) {
		stats := CycleStats{}

		if stm != nil {
			if err := expireSTM(ctx, stm, trail, m, &stats); err != nil {
				stats.Errors++
				return stats, err
			}
		}

		for _, tr := range all {
			grace := gracePeriods[tr.Name()]
			if err := purgeSoftDeleted(ctx, tr, grace, &stats); err != nil {
				stats.Errors++
				return stats, err
			}
		}

		return stats, nil
	}

	return &Task{Kind: KindQualitySweep, Key: "quality_sweep", Run: run, Schedule: sched}
}

func expireSTM(ctx context.Context, stm *tier.Tier, trail *audit.Trail, m *metrics.Metrics, stats *CycleStats) error {
	policy := stm.Policy()
	if policy.TTL <= 0 {
		return nil
	}

	offset := 0
	now := time.Now()
	for {
		filter := storage.Filter{Limit: scanPageSize, Offset: offset}
		filter.Normalize()
		results, err := stm.Backend().Search(ctx, filter)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return nil
		}

		for _, scored := range results {
			item := scored.Item
			if item.DeletedAt != nil {
				continue
			}
			stats.Touched++
			if now.Sub(item.CreatedAt) < policy.TTL {
				continue
			}

			if err := tier.Transition(item, types.StateForgotten); err != nil {
				continue
			}
			item.DeletedAt = &now
			item.Version++
			if err := stm.Backend().Update(ctx, item); err != nil {
				stats.Errors++
				continue
			}

			stats.Forgotten++
			if trail != nil {
				trail.Emit(audit.EventExpired, item.ID, audit.WithReason("ttl_expired"))
			}
			if m != nil {
				m.RecordForgotten(types.TierSTM, "ttl_expired")
			}
		}

		if len(results) < scanPageSize {
			return nil
		}
		offset += scanPageSize
	}
}

func purgeSoftDeleted(ctx context.Context, t *tier.Tier, grace time.Duration, stats *CycleStats) error {
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	cutoff := time.Now().Add(-grace)

	offset := 0
	for {
		filter := storage.Filter{Limit: scanPageSize, Offset: offset, IncludeDeleted: true}
		filter.Normalize()
		results, err := t.Backend().Search(ctx, filter)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return nil
		}

		for _, scored := range results {
			item := scored.Item
			if item.DeletedAt == nil || item.DeletedAt.After(cutoff) {
				continue
			}
			stats.Touched++
			if _, err := t.Backend().Delete(ctx, item.ID); err != nil && !errs.Is(err, errs.KindNotFound) {
				stats.Errors++
			}
		}

		if len(results) < scanPageSize {
			return nil
		}
		offset += scanPageSize
	}
}
