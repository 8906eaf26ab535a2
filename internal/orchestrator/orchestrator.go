// Package orchestrator owns the active agent population and drives each
// agent's per-tick decision and lifecycle: fetch sensor frame, encode
// state, select and execute an action, compute reward, append
// experience, and detect terminal conditions that hand an agent off to
// the Evolution Manager.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/npcbrain/internal/actionspace"
	"github.com/nextlevelbuilder/npcbrain/internal/agenthandle"
	"github.com/nextlevelbuilder/npcbrain/internal/encoder"
	"github.com/nextlevelbuilder/npcbrain/internal/experience"
	"github.com/nextlevelbuilder/npcbrain/internal/policy"
	"github.com/nextlevelbuilder/npcbrain/internal/reward"
	"github.com/nextlevelbuilder/npcbrain/internal/telemetry"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

var tracer = telemetry.Tracer("npcbrain/orchestrator")

// TickErrorClass categorizes a per-agent tick failure so the orchestrator
// can decide whether it is recoverable (logged, tick skipped) or fatal
// for that agent (routed toward death).
type TickErrorClass string

const (
	ClassStaleFrame TickErrorClass = "stale_frame"
	ClassNoFrame    TickErrorClass = "no_frame"
	ClassActionFail TickErrorClass = "action_fail"
	ClassDeath      TickErrorClass = "death"
)

// TickError is the structured firewall between one agent's failing tick
// and the rest of the population: it never propagates as a panic or a
// process-wide error.
type TickError struct {
	Agent   string
	Tick    int64
	Class   TickErrorClass
	Message string
}

func (e *TickError) Error() string {
	return e.Message
}

// FrameSource supplies the latest sensor frame for an agent, marking
// staleness per the Sensor Bridge Client's contract.
type FrameSource interface {
	Latest(agentIdentity string) (frame protocol.SensorUpdatePayload, stale bool, ok bool)
}

// MemoryContext supplies recent episodic/relationship context for the
// encoder and reward shaper.
type MemoryContext interface {
	BuildContext(ctx context.Context, agentIdentity string) (encoder.MemoryContext, []reward.Nearby, error)
}

// LineageWriter fire-and-forget-records an agent's birth and death into
// the Memory Store's lineage table. Writes are enqueued, never awaited,
// so a slow or unavailable store never holds up a tick.
type LineageWriter interface {
	RegisterLineage(agentIdentity, parentIdentity string, generation int, birthTime time.Time)
	CloseLineage(agentIdentity string, deathTime time.Time, finalFitness float64)
}

// Orchestrator drives the tick loop for every active agent. Ticks for a
// single agent are strictly ordered; ticks across agents may run
// concurrently, bounded by MaxConcurrent.
type Orchestrator struct {
	Frames   FrameSource
	Memory   MemoryContext
	Policy   *policy.Manager
	Actions  *actionspace.Executor
	Weights  reward.WeightTable
	Exp      *experience.Pool
	Lineage  LineageWriter

	MaxConcurrent int64
	Eps           policy.Epsilon
	UpdateCfg     policy.UpdateConfig

	// DeathFloor is the cumulative-reward floor below which an agent is
	// forced into the Dying state even absent a death signal from the
	// bridge. Sourced from RewardConfig.DeathFloor at composition time.
	DeathFloor float64
	// IdleThreshold is how long an agent's last successful action may
	// age before a tick's reward picks up the idle penalty.
	IdleThreshold time.Duration

	// IdlePenaltyEnabled and DeathThresholdEnabled mirror
	// FeaturesConfig, gating the two optional terminal/shaping behaviors
	// above independently of the rest of the tick.
	IdlePenaltyEnabled    bool
	DeathThresholdEnabled bool

	mu     sync.RWMutex
	agents map[string]*agentState
	sem    *semaphore.Weighted

	OnDying func(ctx context.Context, h *agenthandle.Handle, rollout []experience.Step)
}

type agentState struct {
	handle *agenthandle.Handle
	ring   *experience.Ring
	seed   int64
}

// New constructs an orchestrator. maxConcurrent bounds how many agent
// ticks may run simultaneously (default: unbounded within reason, 64).
func New(maxConcurrent int64) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &Orchestrator{
		MaxConcurrent:         maxConcurrent,
		Eps:                   policy.Epsilon{Start: 1.0, Min: 0.05, Steps: 500000},
		UpdateCfg:             policy.DefaultUpdateConfig(),
		DeathFloor:            -20.0,
		IdleThreshold:         30 * time.Second,
		IdlePenaltyEnabled:    true,
		DeathThresholdEnabled: true,
		agents:                make(map[string]*agentState),
		sem:                   semaphore.NewWeighted(maxConcurrent),
	}
}

// Spawn registers a new agent under orchestrator ownership.
func (o *Orchestrator) Spawn(h *agenthandle.Handle, ringCapacity int, seed int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[h.Identity] = &agentState{
		handle: h,
		ring:   experience.NewRing(ringCapacity),
		seed:   seed,
	}
	if o.Lineage != nil {
		o.Lineage.RegisterLineage(h.Identity, h.ParentIdentity, h.Generation, h.SpawnTime)
	}
}

// Remove drops an agent from orchestrator ownership, e.g. after the
// Evolution Manager has consumed its final rollout.
func (o *Orchestrator) Remove(identity string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.agents, identity)
}

// Active reports the number of agents currently owned by the orchestrator.
func (o *Orchestrator) Active() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.agents)
}

// RunTick drives one logical tick for every active agent concurrently,
// bounded by MaxConcurrent in-flight ticks. A single agent's failure is
// contained to that agent and reported, never propagated to others.
func (o *Orchestrator) RunTick(ctx context.Context, tick int64) []*TickError {
	o.mu.RLock()
	identities := make([]string, 0, len(o.agents))
	for id := range o.agents {
		identities = append(identities, id)
	}
	o.mu.RUnlock()

	var mu sync.Mutex
	var errs []*TickError
	var wg sync.WaitGroup

	for _, id := range identities {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(identity string) {
			defer wg.Done()
			defer o.sem.Release(1)
			if tErr := o.tickAgent(ctx, identity, tick); tErr != nil {
				mu.Lock()
				errs = append(errs, tErr)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errs
}

func (o *Orchestrator) tickAgent(ctx context.Context, identity string, tick int64) *TickError {
	ctx, span := tracer.Start(ctx, "tick_agent", trace.WithAttributes(
		attribute.String("agent.identity", identity),
		attribute.Int64("tick", tick),
	))
	defer span.End()

	o.mu.RLock()
	st, ok := o.agents[identity]
	o.mu.RUnlock()
	if !ok {
		return nil
	}

	frame, stale, haveFrame := o.Frames.Latest(identity)
	if !haveFrame {
		span.SetStatus(codes.Error, "no sensor frame available")
		return &TickError{Agent: identity, Tick: tick, Class: ClassNoFrame, Message: "no sensor frame available"}
	}
	if stale {
		span.SetStatus(codes.Error, "sensor frame stale")
		return &TickError{Agent: identity, Tick: tick, Class: ClassStaleFrame, Message: "sensor frame stale, skipping action selection"}
	}

	st.handle.Health = frame.Health
	st.handle.Food = frame.Food

	memCtx, nearby, err := o.Memory.BuildContext(ctx, identity)
	if err != nil {
		slog.Warn("orchestrator.memory_context_failed", "agent", identity, "error", err)
	}

	state := encoder.Encode(st.handle, frame, memCtx)

	decision := o.Policy.EffectiveSet(identity).Decide(state[:], o.Eps)

	outcome := o.Actions.Execute(ctx, st.handle, decision.ActionIndex, nil)

	category := ""
	if action, ok := actionspace.ByIndex(decision.ActionIndex); ok {
		category = action.Category
	}

	// Idle time is measured against the wall clock since the agent's
	// last successful action (or its spawn, if it has never succeeded
	// at one), not against sensor-frame staleness: an agent whose fresh
	// frames keep producing failed actions is just as idle as one
	// starved of frames altogether.
	idleSince := st.handle.LastActionTime
	if idleSince.IsZero() {
		idleSince = st.handle.SpawnTime
	}
	idleElapsed := time.Since(idleSince)
	st.handle.IdleAccumulator = idleElapsed
	idle := o.IdlePenaltyEnabled && idleElapsed >= o.IdleThreshold

	r := reward.Compute(reward.Input{
		Weights:               o.Weights,
		Alive:                 st.handle.IsAlive(),
		Dying:                 !st.handle.IsAlive(),
		ActionCategory:        category,
		ActionSucceeded:       outcome.Succeeded,
		SocialRadiusOccupants: nearby,
		Health:                st.handle.Health,
		Food:                  st.handle.Food,
		IdleSinceLastAction:   idle,
	})

	st.ring.Append(experience.Step{
		AgentIdentity: identity,
		State:         state[:],
		ActionIndex:   decision.ActionIndex,
		LogProb:       decision.LogProb,
		Reward:        r,
		ValueEstimate: decision.Value,
		Terminal:      !st.handle.IsAlive(),
	})

	st.handle.CumulativeReward += r
	if outcome.Succeeded {
		st.handle.LastActionTime = time.Now()
		st.handle.IdleAccumulator = 0
	}

	if st.ring.ReadyForFlush(o.UpdateCfg.BatchSize) {
		rollout := st.ring.Flush()
		switch {
		case o.Policy != nil && o.Policy.HasPersonal(identity):
			// Personal parameters are updated only from that agent's
			// own experience: route directly to its adopted set rather
			// than pooling it with the shared trainer's batch.
			_, pspan := tracer.Start(ctx, "personal_policy_update", trace.WithAttributes(
				attribute.String("agent.identity", identity),
			))
			o.Policy.EffectiveSet(identity).Update(toPolicyRollout(rollout), o.UpdateCfg, tick)
			pspan.End()
		case o.Exp != nil:
			o.Exp.Add(rollout)
		}
	}

	rewardFloorBreached := o.DeathThresholdEnabled && st.handle.CumulativeReward < o.DeathFloor
	if !st.handle.IsAlive() || rewardFloorBreached {
		o.finishDeath(ctx, identity, st)
		span.AddEvent("agent_death")
		return &TickError{Agent: identity, Tick: tick, Class: ClassDeath, Message: "agent entered dying state"}
	}

	return nil
}

// finishDeath flushes the remaining rollout, closes the lineage record,
// hands the handle off to OnDying (typically routing it to the
// Evolution Manager), and drops the agent from the active population.
// Shared by the in-tick reward-floor/health-exhaustion path and by
// HandleBridgeDeath.
func (o *Orchestrator) finishDeath(ctx context.Context, identity string, st *agentState) {
	rollout := st.ring.Flush()
	if o.Lineage != nil {
		o.Lineage.CloseLineage(identity, time.Now(), st.handle.CumulativeReward)
	}
	if o.OnDying != nil {
		o.OnDying(ctx, st.handle, rollout)
	}
	o.Remove(identity)
}

// HandleBridgeDeath routes a bridge-reported agent_death event through
// the same terminal path a reward-floor or health-exhaustion death
// takes: flush whatever rollout remains, close lineage, and hand the
// agent off to OnDying. This is the only way most deaths actually reach
// the Evolution Manager in normal play, since combat and starvation are
// adjudicated server-side and reported back as this event rather than
// observed purely from Health dropping to zero on a sensor frame.
func (o *Orchestrator) HandleBridgeDeath(ctx context.Context, identity string) {
	o.mu.RLock()
	st, ok := o.agents[identity]
	o.mu.RUnlock()
	if !ok {
		return
	}
	st.handle.Health = 0
	o.finishDeath(ctx, identity, st)
}

// toPolicyRollout adapts flushed experience steps to the shape the
// Policy Core's PPO update consumes.
func toPolicyRollout(steps []experience.Step) []policy.Rollout {
	rollout := make([]policy.Rollout, len(steps))
	for i, s := range steps {
		rollout[i] = policy.Rollout{
			State:       s.State,
			ActionIndex: s.ActionIndex,
			LogProb:     s.LogProb,
			Reward:      s.Reward,
			Value:       s.ValueEstimate,
			Terminal:    s.Terminal,
		}
	}
	return rollout
}

// Shutdown drains the population gracefully: each agent's in-flight tick
// is allowed to finish (bounded by ctx), its buffer flushed to the pool.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if err := o.sem.Acquire(ctx, o.MaxConcurrent); err != nil {
		slog.Warn("orchestrator.shutdown_drain_timeout", "error", err)
	} else {
		o.sem.Release(o.MaxConcurrent)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, st := range o.agents {
		if o.Exp != nil {
			o.Exp.Add(st.ring.Flush())
		}
	}
}
