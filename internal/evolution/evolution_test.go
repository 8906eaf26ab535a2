package evolution

import (
	"testing"

	"github.com/nextlevelbuilder/npcbrain/internal/policy"
)

func TestFitnessCombinesAllTerms(t *testing.T) {
	w := FitnessWeights{Reward: 1, SurvivalTicks: 1, CompletedTasks: 1, ExploredChunks: 1, FinalHealth: 1}
	r := Record{CumulativeReward: 10, SurvivalTicks: 5, CompletedTasks: 2, ExploredChunks: 3, FinalHealth: 20}
	got := Fitness(r, w)
	want := 10.0 + 5 + 2 + 3 + 20
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProposeOffspringRefusedAtPopulationCeiling(t *testing.T) {
	m := NewManager(1)
	m.Bounds.Max = 5
	m.RecordDeath(Record{Identity: "p1", TypeTag: "villager", Params: policy.NewParams(2, 2)})

	_, ok := m.ProposeOffspring("villager", 5, 2, 2)
	if ok {
		t.Fatalf("expected spawn refusal at population ceiling")
	}
}

func TestProposeOffspringFallsBackWithNoEligibleParent(t *testing.T) {
	m := NewManager(1)
	_, ok := m.ProposeOffspring("villager", 1, 2, 2)
	if ok {
		t.Fatalf("expected no eligible parent to yield ok=false")
	}
}

func TestProposeOffspringSelectsAndMutatesParent(t *testing.T) {
	m := NewManager(1)
	parentParams := policy.NewParams(2, 2)
	parentParams.ValueBias = 5
	m.RecordDeath(Record{
		Identity: "p1", TypeTag: "villager", CumulativeReward: 100,
		Params: parentParams, Personality: map[string]float64{"curiosity": 0.5},
	})

	offspring, ok := m.ProposeOffspring("villager", 1, 2, 2)
	if !ok {
		t.Fatalf("expected an offspring to be proposed")
	}
	if offspring.ParentIdentity != "p1" {
		t.Fatalf("expected parent p1, got %q", offspring.ParentIdentity)
	}
	if offspring.Params == parentParams {
		t.Fatalf("expected mutated params to be a distinct clone, not the parent's own slice")
	}
}

func TestMutatePersonalityClampsToUnitRange(t *testing.T) {
	m := NewManager(1)
	m.Mutation.PersonalityMutationRate = 1.0
	m.Mutation.PersonalityMutationStd = 100.0
	out := m.mutatePersonality(map[string]float64{"curiosity": 0.5})
	if out["curiosity"] < 0 || out["curiosity"] > 1 {
		t.Fatalf("expected clamped trait, got %v", out["curiosity"])
	}
}

func TestTopKByFitnessOrdersDescending(t *testing.T) {
	m := NewManager(1)
	records := []Record{
		{Identity: "low", CumulativeReward: 1},
		{Identity: "high", CumulativeReward: 100},
		{Identity: "mid", CumulativeReward: 50},
	}
	top := m.topKByFitness(records)
	if top[0].Identity != "high" || top[1].Identity != "mid" || top[2].Identity != "low" {
		t.Fatalf("expected descending order by fitness, got %+v", top)
	}
}
