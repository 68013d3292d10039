package decay_test

import (
	"testing"
	"time"

	"github.com/cortexmem/engine/internal/decay"
	"github.com/cortexmem/engine/pkg/types"
)

func testParams() decay.Params {
	return decay.DefaultParams(20*time.Minute, 40*time.Minute, 0, 1, 0.05, 3.0)
}

func TestApplyPass_NoElapsedTimeIsNoOp(t *testing.T) {
	now := time.Now()
	item := &types.MemoryItem{
		Importance:         0.5,
		Strength:           0.4,
		ReinforcementLevel: 1.0,
		LastDecayedAt:      now,
	}

	result := decay.ApplyPass(item, testParams(), now, false)
	if result.Changed(item) {
		t.Errorf("ApplyPass() with zero elapsed time: got a change, want none (budget should be ~0)")
	}
}

func TestApplyPass_ReinforcementDecaysTowardZeroOverTime(t *testing.T) {
	now := time.Now()
	item := &types.MemoryItem{
		Importance:         0.5,
		Strength:           0.5,
		ReinforcementLevel: 1.0,
		LastDecayedAt:      now.Add(-20 * time.Minute), // exactly one reinforcement half-life
	}

	result := decay.ApplyPass(item, testParams(), now, false)
	if result.NewReinforcement >= item.ReinforcementLevel {
		t.Errorf("NewReinforcement: got %v, want less than starting %v after one half-life", result.NewReinforcement, item.ReinforcementLevel)
	}
	// After exactly one half-life, reinforcement should be close to half.
	if result.NewReinforcement < 0.45 || result.NewReinforcement > 0.55 {
		t.Errorf("NewReinforcement after one half-life: got %v, want ~0.5", result.NewReinforcement)
	}
}

func TestApplyPass_ForgottenBelowThreshold(t *testing.T) {
	now := time.Now()
	item := &types.MemoryItem{
		Importance:         0.0,
		Strength:           0.01,
		ReinforcementLevel: 0.0,
		LastDecayedAt:      now.Add(-48 * time.Hour),
	}

	result := decay.ApplyPass(item, testParams(), now, false)
	if !result.Forgotten {
		t.Error("ApplyPass(): weak, unimportant, long-idle item should be forgotten")
	}
}

func TestApplyPass_HighImportanceResistsForgetting(t *testing.T) {
	now := time.Now()
	item := &types.MemoryItem{
		Importance:         1.0,
		Strength:           0.5,
		ReinforcementLevel: 1.0,
		LastDecayedAt:      now.Add(-48 * time.Hour),
	}

	result := decay.ApplyPass(item, testParams(), now, false)
	if result.Forgotten {
		t.Error("ApplyPass(): high-importance, well-reinforced item should not be forgotten")
	}
}

func TestApplyPass_ManualMultiplierAllowsBiggerStep(t *testing.T) {
	now := time.Now()
	base := func() *types.MemoryItem {
		return &types.MemoryItem{
			Importance:         0.5,
			Strength:           1.0,
			ReinforcementLevel: 0.0,
			LastDecayedAt:      now.Add(-5 * time.Minute),
		}
	}

	normal := decay.ApplyPass(base(), testParams(), now, false)
	manual := decay.ApplyPass(base(), testParams(), now, true)

	normalDrop := 1.0 - normal.NewStrength
	manualDrop := 1.0 - manual.NewStrength
	if manualDrop <= normalDrop {
		t.Errorf("manual decay drop %v should exceed normal decay drop %v", manualDrop, normalDrop)
	}
}

func TestReinforceOnAccess_IncreasesReinforcementAndStrength(t *testing.T) {
	item := &types.MemoryItem{
		Importance:         0.5,
		Strength:           0.3,
		ReinforcementLevel: 0.1,
	}

	result := decay.ReinforceOnAccess(item, testParams(), 1.0)
	if result.NewReinforcement <= item.ReinforcementLevel {
		t.Errorf("NewReinforcement: got %v, want greater than %v", result.NewReinforcement, item.ReinforcementLevel)
	}
	if result.NewStrength < item.Strength {
		t.Errorf("NewStrength: got %v, want >= %v (reinforcement never decreases strength)", result.NewStrength, item.Strength)
	}
}

func TestReinforceOnAccess_CappedByMaxReinforcementStep(t *testing.T) {
	params := testParams()
	item := &types.MemoryItem{
		Importance:         1.0,
		Strength:           0.0,
		ReinforcementLevel: 0.0,
	}

	result := decay.ReinforceOnAccess(item, params, 10.0) // large strengthen to force saturation
	gain := result.NewStrength - item.Strength
	if gain > params.MaxReinforcementStep+1e-9 {
		t.Errorf("strength gain %v exceeds MaxReinforcementStep %v", gain, params.MaxReinforcementStep)
	}
}

func TestReinforceOnAccess_CappedByMaxReinforcement(t *testing.T) {
	params := testParams()
	item := &types.MemoryItem{
		Importance:         0.5,
		Strength:           0.5,
		ReinforcementLevel: params.MaxReinforcement - 0.01,
	}

	result := decay.ReinforceOnAccess(item, params, 100.0)
	if result.NewReinforcement > params.MaxReinforcement+1e-9 {
		t.Errorf("NewReinforcement %v exceeds MaxReinforcement %v", result.NewReinforcement, params.MaxReinforcement)
	}
}
