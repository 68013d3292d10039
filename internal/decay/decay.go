// Package decay implements the Decay Engine (spec.md §4.6): the
// reinforcement-decay, strength-baseline, saturation-map, and
// forgetting-threshold equations applied once per maintenance pass, plus
// the reinforcement-on-access and manual-decay variants. Adapted from the
// teacher's internal/engine/decay_manager.go half-life/lambda idiom and
// threshold-gated write-back pattern (decay_manager.go's
// decayScoreThreshold), generalized onto the richer strength/
// reinforcement state spec.md's item model carries instead of the
// teacher's single DecayScore field.
package decay

import (
	"math"
	"time"

	"github.com/cortexmem/engine/pkg/types"
)

// writeBackThreshold mirrors the teacher's decayScoreThreshold: a strength
// change this small or smaller is not worth a version bump / audit event.
const writeBackThreshold = 0.001

// Params holds one tier's decay-equation constants (spec.md §4.6). All
// fields are required; Config.DecayConfig plus per-tier half-lives supply
// the concrete numbers.
type Params struct {
	// ReinforcementHalfLife is H_r: how fast the reinforcement level r
	// decays toward zero absent any access.
	ReinforcementHalfLife time.Duration

	// PassiveHalfLife bounds how far strength can move in one pass absent
	// reinforcement; spec.md names a distinct "passive half-life" per
	// tier alongside the reinforcement half-life, used here to derive
	// the per-pass strength-change budget (see maxDecayPerCycle).
	PassiveHalfLife time.Duration

	BaselineStrength float64 // b0
	ImportanceWeight float64 // w_i, baseline's importance contribution

	MinStrength float64 // clamp floor
	MaxStrength float64 // clamp ceiling

	ReinforcementScale float64 // R_scale in the saturation map

	ForgettingBaseThreshold    float64 // threshold_fg
	ForgettingImportanceWeight float64 // w_fg

	MaxReinforcement              float64 // R_max
	ReinforcementUnit             float64 // R_unit
	ReinforcementImportanceWeight float64 // w_r
	MaxReinforcementStep          float64 // per-access strength-gain cap

	ManualMultiplier float64 // multiplies the per-pass strength budget on manual decay
}

// Result reports what one decay pass did to an item.
type Result struct {
	NewReinforcement float64
	NewStrength      float64
	Forgotten        bool
}

// ApplyPass runs one decay pass over item as of now, per spec.md §4.6's
// equations. It does not mutate item; the caller applies Result if
// Changed. If manual is true, the per-pass strength-change budget is
// multiplied by Params.ManualMultiplier (the manual/explicit-decay path).
func ApplyPass(item *types.MemoryItem, params Params, now time.Time, manual bool) Result {
	elapsed := now.Sub(lastDecayed(item))
	if elapsed < 0 {
		elapsed = 0
	}

	r := reinforcementDecay(item.ReinforcementLevel, elapsed, params.ReinforcementHalfLife)

	baseline := clamp(params.MinStrength, params.MaxStrength,
		params.BaselineStrength+item.Importance*params.ImportanceWeight)

	target := saturationTarget(baseline, params.MaxStrength, r, params.ReinforcementScale)

	budget := maxDecayPerCycle(elapsed, params.PassiveHalfLife, params.MinStrength, params.MaxStrength)
	if manual && params.ManualMultiplier > 0 {
		budget *= params.ManualMultiplier
	}

	newStrength := applyBoundedStep(item.Strength, target, budget)

	forgetThreshold := params.ForgettingBaseThreshold + (0.5-item.Importance)*params.ForgettingImportanceWeight
	forgotten := newStrength <= forgetThreshold

	return Result{NewReinforcement: r, NewStrength: newStrength, Forgotten: forgotten}
}

// Changed reports whether r differs from item's current state by more
// than the write-back threshold, mirroring the teacher's
// decayScoreThreshold gate on unnecessary writes.
func (r Result) Changed(item *types.MemoryItem) bool {
	return math.Abs(r.NewStrength-item.Strength) > writeBackThreshold ||
		math.Abs(r.NewReinforcement-item.ReinforcementLevel) > writeBackThreshold
}

// Apply writes r into item and stamps LastDecayedAt.
func (r Result) Apply(item *types.MemoryItem, now time.Time) {
	item.ReinforcementLevel = r.NewReinforcement
	item.Strength = r.NewStrength
	item.LastDecayedAt = now
}

// ReinforceOnAccess implements spec.md §4.6's reinforcement-on-access
// equation: r <- min(R_max, r + strengthen*R_unit*max(0.2, 1 +
// (importance-0.5)*w_r)), then recomputes the saturation target with the
// new r and nudges strength toward it, capped at MaxReinforcementStep
// (never decreasing strength — an access only ever reinforces).
func ReinforceOnAccess(item *types.MemoryItem, params Params, strengthen float64) Result {
	factor := math.Max(0.2, 1+(item.Importance-0.5)*params.ReinforcementImportanceWeight)
	r := math.Min(params.MaxReinforcement, item.ReinforcementLevel+strengthen*params.ReinforcementUnit*factor)

	baseline := clamp(params.MinStrength, params.MaxStrength,
		params.BaselineStrength+item.Importance*params.ImportanceWeight)
	target := saturationTarget(baseline, params.MaxStrength, r, params.ReinforcementScale)

	gain := target - item.Strength
	if gain < 0 {
		gain = 0
	}
	if gain > params.MaxReinforcementStep {
		gain = params.MaxReinforcementStep
	}

	return Result{NewReinforcement: r, NewStrength: item.Strength + gain}
}

func reinforcementDecay(r float64, elapsed time.Duration, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return r
	}
	lambda := math.Ln2 / halfLife.Seconds()
	return r * math.Exp(-lambda*elapsed.Seconds())
}

func saturationTarget(baseline, maxStrength, reinforcement, scale float64) float64 {
	if reinforcement < 0 {
		reinforcement = 0
	}
	if scale <= 0 {
		scale = 1
	}
	return baseline + (maxStrength-baseline)*(1-math.Exp(-reinforcement/scale))
}

// maxDecayPerCycle derives the per-pass strength-change budget from the
// elapsed time and the tier's passive half-life: the longer a pass has
// been delayed, the more strength is allowed to move, but never by more
// than the full [min,max] range in one pass.
func maxDecayPerCycle(elapsed time.Duration, halfLife time.Duration, minStrength, maxStrength float64) float64 {
	rng := maxStrength - minStrength
	if halfLife <= 0 {
		return rng
	}
	lambda := math.Ln2 / halfLife.Seconds()
	fraction := 1 - math.Exp(-lambda*elapsed.Seconds())
	return rng * fraction
}

func applyBoundedStep(current, target, budget float64) float64 {
	diff := target - current
	if budget < 0 {
		budget = 0
	}
	step := math.Min(math.Abs(diff), budget)
	if diff < 0 {
		step = -step
	}
	return current + step
}

func clamp(min, max, v float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// DefaultParams returns spec.md §4.6's default constants for a tier, given
// its reinforcement/passive half-lives (sourced from
// config.TiersConfig) and the shared decay knobs (sourced from
// config.DecayConfig). internal/manager (New and Build) builds one
// Params per tier at startup and hands them to maintenance and search.
func DefaultParams(reinforcementHalfLife, passiveHalfLife time.Duration, minStrength, maxStrength, forgettingBaseThreshold, manualMultiplier float64) Params {
	return Params{
		ReinforcementHalfLife:         reinforcementHalfLife,
		PassiveHalfLife:               passiveHalfLife,
		BaselineStrength:              0.05,
		ImportanceWeight:              0.5,
		MinStrength:                   minStrength,
		MaxStrength:                   maxStrength,
		ReinforcementScale:            1.0,
		ForgettingBaseThreshold:       forgettingBaseThreshold,
		ForgettingImportanceWeight:    0.1,
		MaxReinforcement:              3.0,
		ReinforcementUnit:             0.25,
		ReinforcementImportanceWeight: 0.3,
		MaxReinforcementStep:          0.15,
		ManualMultiplier:              manualMultiplier,
	}
}

func lastDecayed(item *types.MemoryItem) time.Time {
	if !item.LastDecayedAt.IsZero() {
		return item.LastDecayedAt
	}
	return item.CreatedAt
}
