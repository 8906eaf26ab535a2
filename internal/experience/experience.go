// Package experience implements the per-agent bounded experience ring
// and the global pool that feeds the Policy Core's PPO update. Insertion
// is O(1); eviction is oldest-first, but the ring refuses to evict across
// an episode boundary — it drops the oldest whole episode instead, so a
// rollout handed to the trainer is always contiguous and ends with
// exactly one terminal flag.
package experience

import (
	"sync"
)

// DefaultCapacity is the default per-agent ring size.
const DefaultCapacity = 10000

// Step is one (state, action, logπ, reward, value, done) tuple, tagged
// with the identity of the agent that produced it so a trainer routing
// personal-origin rollouts away from the shared pool can tell them apart.
type Step struct {
	StepIndex     int64
	AgentIdentity string
	State         []float64
	ActionIndex   int
	LogProb       float64
	Reward        float64
	ValueEstimate float64
	Terminal      bool
}

// Ring is a fixed-capacity, episode-boundary-respecting buffer for one
// agent's experience.
type Ring struct {
	mu       sync.Mutex
	capacity int
	steps    []Step
	nextStep int64
}

// NewRing constructs a ring with the given capacity (DefaultCapacity if <= 0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{capacity: capacity}
}

// Append adds one step, assigning it the next strictly increasing step
// index. If the ring is full, the oldest complete episode (everything up
// to and including its terminal flag) is evicted as a whole — never a
// partial episode — to make room.
func (r *Ring) Append(s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.StepIndex = r.nextStep
	r.nextStep++
	r.steps = append(r.steps, s)

	for len(r.steps) > r.capacity {
		cut := r.oldestEpisodeBoundary()
		if cut < 0 {
			// no terminal flag yet in the buffer: the oldest episode is
			// still open, so evicting it would split a rollout. Accept
			// capacity overrun until a terminal step arrives rather than
			// corrupt contiguity.
			break
		}
		r.steps = r.steps[cut+1:]
	}
}

// oldestEpisodeBoundary returns the index of the first terminal step, or
// -1 if none is present yet.
func (r *Ring) oldestEpisodeBoundary() int {
	for i, s := range r.steps {
		if s.Terminal {
			return i
		}
	}
	return -1
}

// Flush removes and returns all buffered steps, for handoff to the
// trainer. This is a move, not a copy: the ring is empty afterward.
func (r *Ring) Flush() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.steps
	r.steps = nil
	return out
}

// Len reports the number of currently buffered steps.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}

// ReadyForFlush reports whether the ring should be flushed to the
// trainer: either it ends on a terminal step, or it has reached the
// batch-size threshold.
func (r *Ring) ReadyForFlush(batchThreshold int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.steps) == 0 {
		return false
	}
	if r.steps[len(r.steps)-1].Terminal {
		return true
	}
	return len(r.steps) >= batchThreshold
}

// Pool aggregates flushed steps across agents for shared-parameter
// training. It is a single-writer-per-agent, single-reader-at-flush
// structure: agents append via their own Ring and hand off to the pool
// only at flush time.
type Pool struct {
	mu    sync.Mutex
	steps []Step
}

// NewPool constructs an empty global pool.
func NewPool() *Pool { return &Pool{} }

// Add appends a batch of steps (typically the result of a Ring.Flush)
// into the shared pool.
func (p *Pool) Add(steps []Step) {
	if len(steps) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
}

// Len reports the number of steps currently queued for training.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.steps)
}

// Drain removes and returns all queued steps.
func (p *Pool) Drain() []Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.steps
	p.steps = nil
	return out
}
