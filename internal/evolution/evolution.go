// Package evolution ranks agents by fitness at death, selects parents by
// weighted sampling over the top-K same-type performers, and produces
// mutated offspring parameter sets and personalities for the Agent
// Orchestrator to spawn.
package evolution

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/npcbrain/internal/policy"
)

// FitnessWeights are the fixed weights in the single fitness formula.
type FitnessWeights struct {
	Reward          float64
	SurvivalTicks   float64
	CompletedTasks  float64
	ExploredChunks  float64
	FinalHealth     float64
}

// DefaultFitnessWeights is the canonical table referenced by the
// fitness formula.
func DefaultFitnessWeights() FitnessWeights {
	return FitnessWeights{
		Reward:         1.0,
		SurvivalTicks:  0.001,
		CompletedTasks: 5.0,
		ExploredChunks: 0.1,
		FinalHealth:    0.05,
	}
}

// Record is one agent's final stats at death, enough to compute fitness
// and to serve as a lineage row.
type Record struct {
	Identity          string
	TypeTag           string
	CumulativeReward  float64
	SurvivalTicks     int64
	CompletedTasks    int
	ExploredChunks    int
	FinalHealth       float64
	Params            *policy.Params
	Personality       map[string]float64
}

// Fitness computes the scalar fitness for r under w.
func Fitness(r Record, w FitnessWeights) float64 {
	return w.Reward*r.CumulativeReward +
		w.SurvivalTicks*float64(r.SurvivalTicks) +
		w.CompletedTasks*float64(r.CompletedTasks) +
		w.ExploredChunks*float64(r.ExploredChunks) +
		w.FinalHealth*r.FinalHealth
}

// PopulationBounds governs when an offspring is eligible to spawn.
type PopulationBounds struct {
	Min    int
	Max    int
	Target int
}

// DefaultPopulationBounds matches the documented default range.
func DefaultPopulationBounds() PopulationBounds {
	return PopulationBounds{Min: 10, Max: 1000, Target: 200}
}

// Offspring is the result of a successful parent selection plus mutation,
// ready for the orchestrator to spawn.
type Offspring struct {
	ParentIdentity string
	TypeTag        string
	Generation     int
	Params         *policy.Params
	Personality    map[string]float64
}

// MutationConfig controls the Gaussian-noise mutation applied to cloned
// parameters and the independent rate for personality traits.
type MutationConfig struct {
	WeightMutationRate      float64 // m_rate: probability any given weight mutates
	WeightMutationStdFactor float64 // sigma_mut as a fraction of the weight's own magnitude
	PersonalityMutationRate float64
	PersonalityMutationStd  float64
}

// DefaultMutationConfig matches the documented defaults.
func DefaultMutationConfig() MutationConfig {
	return MutationConfig{
		WeightMutationRate:      0.1,
		WeightMutationStdFactor: 0.05,
		PersonalityMutationRate: 0.1,
		PersonalityMutationStd:  0.05,
	}
}

// Manager tracks per-type fitness tables and produces offspring on death.
type Manager struct {
	mu      sync.Mutex
	rng     *rand.Rand
	byType  map[string][]Record

	FitnessWeights FitnessWeights
	Bounds         PopulationBounds
	Mutation       MutationConfig
	TopK           int

	// SpawnProbability additionally gates a would-be offspring below the
	// population-bounds checks: even an eligible death only proposes an
	// offspring with this probability per occurrence, matching
	// EvolutionConfig.SpawnProbability.
	SpawnProbability float64
}

// NewManager constructs an evolution manager seeded for reproducible
// mutation given a fixed seed.
func NewManager(seed int64) *Manager {
	return &Manager{
		rng:              rand.New(rand.NewSource(seed)),
		byType:           make(map[string][]Record),
		FitnessWeights:   DefaultFitnessWeights(),
		Bounds:           DefaultPopulationBounds(),
		Mutation:         DefaultMutationConfig(),
		TopK:             5,
		SpawnProbability: 1.0,
	}
}

// RecordDeath files an agent's final stats into its type's fitness table.
func (m *Manager) RecordDeath(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byType[r.TypeTag] = append(m.byType[r.TypeTag], r)
}

// ProposeOffspring decides whether to spawn a new agent of typeTag given
// the current population size, and if so selects and mutates a parent.
// Returns ok=false if population bounds refuse the spawn or there is
// nothing eligible to draw a parent from (in which case the caller
// should fall back to a fresh shared-parameter spawn).
func (m *Manager) ProposeOffspring(typeTag string, currentPopulation int, stateDim, actionDim int) (Offspring, bool) {
	if currentPopulation >= m.Bounds.Max {
		slog.Warn("evolution.spawn_refused_population_ceiling", "type", typeTag, "population", currentPopulation)
		return Offspring{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SpawnProbability < 1.0 && m.rng.Float64() >= m.SpawnProbability {
		return Offspring{}, false
	}

	records := m.byType[typeTag]
	if len(records) == 0 || currentPopulation >= m.Bounds.Target {
		return Offspring{}, false
	}

	topK := m.topKByFitness(records)
	parent := m.weightedSample(topK)
	if parent == nil {
		return Offspring{}, false
	}

	params := parent.Params
	if params == nil {
		params = policy.NewParams(stateDim, actionDim)
	}
	mutated := m.mutateParams(params)
	personality := m.mutatePersonality(parent.Personality)

	return Offspring{
		ParentIdentity: parent.Identity,
		TypeTag:        typeTag,
		Params:         mutated,
		Personality:    personality,
	}, true
}

func (m *Manager) topKByFitness(records []Record) []Record {
	sorted := append([]Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool {
		return Fitness(sorted[i], m.FitnessWeights) > Fitness(sorted[j], m.FitnessWeights)
	})
	k := m.TopK
	if k <= 0 {
		k = 5
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}

// weightedSample draws one record with probability proportional to its
// (non-negative-shifted) fitness. nil if the candidate set is empty.
func (m *Manager) weightedSample(candidates []Record) *Record {
	if len(candidates) == 0 {
		return nil
	}
	minFitness := math.Inf(1)
	fitnesses := make([]float64, len(candidates))
	for i, r := range candidates {
		f := Fitness(r, m.FitnessWeights)
		fitnesses[i] = f
		if f < minFitness {
			minFitness = f
		}
	}
	shift := 0.0
	if minFitness < 0 {
		shift = -minFitness + 1e-6
	}
	total := 0.0
	for i := range fitnesses {
		fitnesses[i] += shift
		total += fitnesses[i]
	}
	if total <= 0 {
		idx := m.rng.Intn(len(candidates))
		return &candidates[idx]
	}
	r := m.rng.Float64() * total
	cum := 0.0
	for i, f := range fitnesses {
		cum += f
		if r <= cum {
			return &candidates[i]
		}
	}
	return &candidates[len(candidates)-1]
}

// mutateParams clones parent parameters, then perturbs each weight
// element independently with probability WeightMutationRate by adding
// Gaussian noise scaled to the weight's own magnitude.
func (m *Manager) mutateParams(p *policy.Params) *policy.Params {
	clone := p.Clone()
	m.mutateSlice(clone.PolicyWeights)
	m.mutateSlice(clone.PolicyBias)
	m.mutateSlice(clone.ValueWeights)
	clone.ValueBias = m.mutateScalar(clone.ValueBias)
	return clone
}

func (m *Manager) mutateSlice(w []float64) {
	for i, x := range w {
		if m.rng.Float64() < m.Mutation.WeightMutationRate {
			w[i] = m.mutateScalar(x)
		}
	}
}

func (m *Manager) mutateScalar(x float64) float64 {
	std := m.Mutation.WeightMutationStdFactor * math.Abs(x)
	if std == 0 {
		std = m.Mutation.WeightMutationStdFactor
	}
	return x + m.rng.NormFloat64()*std
}

// mutatePersonality perturbs each named personality trait independently
// at PersonalityMutationRate with fixed-stddev Gaussian noise, clamped
// to [0, 1] since traits are normalized proportions.
func (m *Manager) mutatePersonality(parent map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(parent))
	for trait, v := range parent {
		if m.rng.Float64() < m.Mutation.PersonalityMutationRate {
			v += m.rng.NormFloat64() * m.Mutation.PersonalityMutationStd
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
		}
		out[trait] = v
	}
	return out
}
