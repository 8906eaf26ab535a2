package policy

import (
	"log/slog"
	"math"
	"math/rand"
	"sync"
)

// Decision is the result of a forward pass: the sampled action, its log
// probability under the sampling distribution, and the critic's value
// estimate for the state that produced it.
type Decision struct {
	ActionIndex int
	LogProb     float64
	Value       float64
}

// Epsilon controls exploration: with probability epsilon the sampled
// action is drawn uniformly at random instead of from the policy
// distribution. It decays linearly from Start to Min over Steps decisions.
type Epsilon struct {
	Start float64
	Min   float64
	Steps int64
}

func (e Epsilon) at(step int64) float64 {
	if e.Steps <= 0 {
		return e.Min
	}
	if step >= e.Steps {
		return e.Min
	}
	frac := float64(step) / float64(e.Steps)
	return e.Start + frac*(e.Min-e.Start)
}

// Rollout is one accumulated step awaiting a PPO update, mirroring
// internal/experience.Step's fields the trainer actually consumes.
type Rollout struct {
	State       []float64
	ActionIndex int
	LogProb     float64
	Reward      float64
	Value       float64
	Terminal    bool
}

// UpdateConfig bounds a PPO update.
type UpdateConfig struct {
	BatchSize  int     // B: minimum rollout length to trigger an update
	MinLength  int     // L_min: minimum length to trigger on episode end
	Gamma      float64 // discount
	Lambda     float64 // GAE lambda
	ClipEps    float64 // PPO clip epsilon
	EntropyCoef float64
	ValueCoef   float64
	LearningRate float64
	MinTicksBetweenUpdates int64
}

// DefaultUpdateConfig matches the resolved defaults from the data model.
func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		BatchSize:              64,
		MinLength:              8,
		Gamma:                  0.99,
		Lambda:                 0.95,
		ClipEps:                0.2,
		EntropyCoef:            0.01,
		ValueCoef:              0.5,
		LearningRate:           3e-4,
		MinTicksBetweenUpdates: 1,
	}
}

// Set is one parameter set plus its own exploration schedule and update
// bookkeeping. Shared and personal sets are both represented this way;
// only their ownership in Manager differs.
type Set struct {
	mu sync.Mutex

	Params *Params
	rng    *rand.Rand
	step    int64
	lastUpdateTick int64
	updated        bool

	DiscardedUpdates int64
}

// NewSet constructs a parameter set seeded deterministically, so a single
// agent's rollout is reproducible within a run given the same seed.
func NewSet(stateDim, actionDim int, seed int64) *Set {
	return &Set{
		Params: NewParams(stateDim, actionDim),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Decide runs the forward pass and samples an action, applying epsilon
// exploration. Never panics on a malformed state: Forward already
// degrades to a uniform distribution and zero value.
func (s *Set) Decide(state []float64, eps Epsilon) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	probs, value := s.Params.Forward(state)
	step := s.step
	s.step++

	e := eps.at(step)
	var idx int
	if e > 0 && s.rng.Float64() < e {
		idx = s.rng.Intn(len(probs))
	} else {
		idx = sampleCategorical(s.rng, probs)
	}

	lp := math.Log(math.Max(probs[idx], 1e-12))
	return Decision{ActionIndex: idx, LogProb: lp, Value: value}
}

func sampleCategorical(rng *rand.Rand, probs []float64) int {
	if len(probs) == 0 {
		return 0
	}
	r := rng.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}

// Update applies one PPO pass over rollout if it is due: length at least
// cfg.BatchSize, or cfg.MinLength with a terminal final step, and at
// least cfg.MinTicksBetweenUpdates ticks since the last update. A
// training step whose resulting loss is non-finite is discarded without
// mutating parameters, and counted in DiscardedUpdates.
func (s *Set) Update(rollout []Rollout, cfg UpdateConfig, currentTick int64) (applied bool) {
	if len(rollout) == 0 {
		return false
	}
	ready := len(rollout) >= cfg.BatchSize
	if !ready && len(rollout) >= cfg.MinLength && rollout[len(rollout)-1].Terminal {
		ready = true
	}
	if !ready {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updated && currentTick-s.lastUpdateTick < cfg.MinTicksBetweenUpdates {
		return false
	}

	advantages, returns := gae(rollout, cfg.Gamma, cfg.Lambda)

	gradPolicy := make([]float64, len(s.Params.PolicyWeights))
	gradPolicyBias := make([]float64, len(s.Params.PolicyBias))
	gradValue := make([]float64, len(s.Params.ValueWeights))
	gradValueBias := 0.0

	lossSum := 0.0
	for i, step := range rollout {
		probs, value := s.Params.Forward(step.State)
		if len(probs) <= step.ActionIndex {
			continue
		}
		newLogProb := math.Log(math.Max(probs[step.ActionIndex], 1e-12))
		ratio := math.Exp(newLogProb - step.LogProb)
		adv := advantages[i]

		unclipped := ratio * adv
		clipped := clampf(ratio, 1-cfg.ClipEps, 1+cfg.ClipEps) * adv
		policyLoss := -math.Min(unclipped, clipped)

		valueErr := returns[i] - value
		valueLoss := valueErr * valueErr

		entropy := categoricalEntropy(probs)

		loss := policyLoss + cfg.ValueCoef*valueLoss - cfg.EntropyCoef*entropy
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			s.DiscardedUpdates++
			slog.Warn("policy.update_discarded_nonfinite_loss", "step", i)
			return false
		}
		lossSum += loss

		// Gradient of the clipped surrogate w.r.t. the chosen action's
		// logit, approximated via the standard softmax-cross-entropy
		// derivative scaled by the (possibly clipped) advantage.
		scale := unclipped
		if clipped < unclipped {
			scale = clipped
		}
		for a := 0; a < s.Params.ActionDim; a++ {
			target := 0.0
			if a == step.ActionIndex {
				target = 1.0
			}
			d := (probs[a] - target) * (-scale)
			row := gradPolicy[a*s.Params.StateDim : (a+1)*s.Params.StateDim]
			for k, x := range step.State {
				row[k] += d * x
			}
			gradPolicyBias[a] += d
		}

		vd := -2 * valueErr * cfg.ValueCoef
		for k, x := range step.State {
			gradValue[k] += vd * x
		}
		gradValueBias += vd
	}

	if math.IsNaN(lossSum) || math.IsInf(lossSum, 0) {
		s.DiscardedUpdates++
		slog.Warn("policy.update_discarded_nonfinite_loss", "rollout_len", len(rollout))
		return false
	}

	n := float64(len(rollout))
	lr := cfg.LearningRate
	for i := range s.Params.PolicyWeights {
		s.Params.PolicyWeights[i] -= lr * gradPolicy[i] / n
	}
	for i := range s.Params.PolicyBias {
		s.Params.PolicyBias[i] -= lr * gradPolicyBias[i] / n
	}
	for i := range s.Params.ValueWeights {
		s.Params.ValueWeights[i] -= lr * gradValue[i] / n
	}
	s.Params.ValueBias -= lr * gradValueBias / n
	s.Params.Version++
	s.lastUpdateTick = currentTick
	s.updated = true

	return true
}

func clampf(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func categoricalEntropy(probs []float64) float64 {
	h := 0.0
	for _, p := range probs {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h
}

// gae computes generalized advantage estimates and bootstrapped returns
// for a contiguous rollout. The rollout is assumed to already respect
// episode boundaries (see internal/experience.Ring).
func gae(rollout []Rollout, gamma, lambda float64) (advantages, returns []float64) {
	n := len(rollout)
	advantages = make([]float64, n)
	returns = make([]float64, n)

	nextValue := 0.0
	nextAdv := 0.0
	for i := n - 1; i >= 0; i-- {
		step := rollout[i]
		if step.Terminal {
			nextValue = 0
			nextAdv = 0
		}
		delta := step.Reward + gamma*nextValue - step.Value
		adv := delta + gamma*lambda*nextAdv
		advantages[i] = adv
		returns[i] = adv + step.Value

		nextValue = step.Value
		nextAdv = adv
	}
	return advantages, returns
}

// Manager owns the shared parameter set plus per-agent personal sets. A
// forward-pass or update call for an agent uses its personal set if one
// exists, otherwise the shared set — the "personal overrides shared"
// precedence required by the parameter topology.
type Manager struct {
	mu       sync.RWMutex
	shared   *Set
	personal map[string]*Set

	StateDim  int
	ActionDim int
}

// NewManager constructs a manager with a freshly initialized shared set.
func NewManager(stateDim, actionDim int, seed int64) *Manager {
	return &Manager{
		shared:    NewSet(stateDim, actionDim, seed),
		personal:  make(map[string]*Set),
		StateDim:  stateDim,
		ActionDim: actionDim,
	}
}

// EffectiveSet returns the parameter set an agent's forward pass and
// update should use: personal if present, shared otherwise.
func (m *Manager) EffectiveSet(agentIdentity string) *Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.personal[agentIdentity]; ok {
		return s
	}
	return m.shared
}

// Shared returns the shared parameter set, for inheritance when a parent
// has no personal specialization.
func (m *Manager) Shared() *Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shared
}

// HasPersonal reports whether the agent has an adopted personal
// parameter set, i.e. its rollouts should train that set rather than
// being pooled for the shared one.
func (m *Manager) HasPersonal(agentIdentity string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.personal[agentIdentity]
	return ok
}

// AdoptPersonal installs a personal parameter set for an agent, typically
// a mutated clone of a parent's effective parameters at spawn time.
func (m *Manager) AdoptPersonal(agentIdentity string, params *Params, seed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.personal[agentIdentity] = &Set{Params: params, rng: rand.New(rand.NewSource(seed))}
}

// Forget releases an agent's personal parameter set at death.
func (m *Manager) Forget(agentIdentity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.personal, agentIdentity)
}
