package policy

import (
	"math"
	"testing"
)

func TestForwardOnInvalidStateReturnsUniformAndZero(t *testing.T) {
	p := NewParams(4, 3)
	probs, value := p.Forward([]float64{1, 2}) // wrong dim
	if value != 0 {
		t.Fatalf("expected value 0, got %v", value)
	}
	for _, pr := range probs {
		if math.Abs(pr-1.0/3) > 1e-9 {
			t.Fatalf("expected uniform distribution, got %v", probs)
		}
	}
}

func TestDecideIsReproducibleGivenSameSeed(t *testing.T) {
	a := NewSet(4, 3, 42)
	b := NewSet(4, 3, 42)
	state := []float64{0.1, 0.2, 0.3, 0.4}
	eps := Epsilon{Start: 1.0, Min: 0.05, Steps: 1000}

	for i := 0; i < 20; i++ {
		da := a.Decide(state, eps)
		db := b.Decide(state, eps)
		if da.ActionIndex != db.ActionIndex || da.LogProb != db.LogProb {
			t.Fatalf("step %d diverged: %+v vs %+v", i, da, db)
		}
	}
}

func TestUpdateSkipsBelowThreshold(t *testing.T) {
	s := NewSet(2, 2, 1)
	cfg := DefaultUpdateConfig()
	cfg.BatchSize = 64
	cfg.MinLength = 8
	rollout := []Rollout{{State: []float64{1, 0}, ActionIndex: 0, Reward: 1}}
	if s.Update(rollout, cfg, 1) {
		t.Fatalf("expected update to be skipped below batch/min-length threshold")
	}
}

func TestUpdateAppliesOnTerminalWithMinLength(t *testing.T) {
	s := NewSet(2, 2, 1)
	cfg := DefaultUpdateConfig()
	cfg.BatchSize = 1000
	cfg.MinLength = 3
	rollout := make([]Rollout, 3)
	for i := range rollout {
		rollout[i] = Rollout{State: []float64{1, 0}, ActionIndex: 0, Reward: 1, Value: 0.5}
	}
	rollout[len(rollout)-1].Terminal = true

	before := s.Params.Version
	if !s.Update(rollout, cfg, 10) {
		t.Fatalf("expected update to apply on terminal rollout meeting min length")
	}
	if s.Params.Version != before+1 {
		t.Fatalf("expected version to increment after applied update")
	}
}

func TestUpdateRespectsMinTicksBetweenUpdates(t *testing.T) {
	s := NewSet(2, 2, 1)
	cfg := DefaultUpdateConfig()
	cfg.BatchSize = 1
	cfg.MinTicksBetweenUpdates = 100
	rollout := []Rollout{{State: []float64{1, 0}, ActionIndex: 0, Reward: 1, Terminal: true}}

	if !s.Update(rollout, cfg, 0) {
		t.Fatalf("expected first update to apply")
	}
	if s.Update(rollout, cfg, 5) {
		t.Fatalf("expected second update to be suppressed by starvation guard")
	}
}

func TestManagerPersonalOverridesShared(t *testing.T) {
	m := NewManager(2, 2, 7)
	personal := NewParams(2, 2)
	personal.ValueBias = 99
	m.AdoptPersonal("agent-1", personal, 7)

	if m.EffectiveSet("agent-1").Params.ValueBias != 99 {
		t.Fatalf("expected personal parameters to override shared")
	}
	if m.EffectiveSet("agent-2") != m.Shared() {
		t.Fatalf("expected an agent with no personal set to fall back to shared")
	}

	m.Forget("agent-1")
	if m.EffectiveSet("agent-1") != m.Shared() {
		t.Fatalf("expected forgotten agent to fall back to shared")
	}
}

func TestGAETerminalResetsBootstrap(t *testing.T) {
	rollout := []Rollout{
		{Reward: 1, Value: 0.5, Terminal: false},
		{Reward: 1, Value: 0.5, Terminal: true},
	}
	adv, ret := gae(rollout, 0.99, 0.95)
	if len(adv) != 2 || len(ret) != 2 {
		t.Fatalf("expected advantages/returns for every step")
	}
}
