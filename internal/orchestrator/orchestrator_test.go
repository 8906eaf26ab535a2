package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/npcbrain/internal/actionspace"
	"github.com/nextlevelbuilder/npcbrain/internal/agenthandle"
	"github.com/nextlevelbuilder/npcbrain/internal/encoder"
	"github.com/nextlevelbuilder/npcbrain/internal/experience"
	"github.com/nextlevelbuilder/npcbrain/internal/policy"
	"github.com/nextlevelbuilder/npcbrain/internal/reward"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

type fakeFrames struct {
	frame protocol.SensorUpdatePayload
	stale bool
	ok    bool
}

func (f *fakeFrames) Latest(identity string) (protocol.SensorUpdatePayload, bool, bool) {
	return f.frame, f.stale, f.ok
}

type fakeMemory struct{}

func (fakeMemory) BuildContext(ctx context.Context, identity string) (encoder.MemoryContext, []reward.Nearby, error) {
	return encoder.MemoryContext{}, nil, nil
}

type fakeDispatcher struct {
	succeed bool
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, h *agenthandle.Handle, action protocol.ActionPayload) (agenthandle.Outcome, error) {
	return agenthandle.Outcome{ActionName: action.Action, Succeeded: d.succeed}, nil
}
func (d *fakeDispatcher) Spawn(ctx context.Context, req protocol.SpawnAgentPayload) (protocol.SpawnConfirmPayload, error) {
	return protocol.SpawnConfirmPayload{}, nil
}
func (d *fakeDispatcher) Remove(ctx context.Context, req protocol.RemoveAgentPayload) error {
	return nil
}

func newTestOrchestrator(ok, stale, succeed bool) *Orchestrator {
	o := New(4)
	o.Frames = &fakeFrames{ok: ok, stale: stale, frame: protocol.SensorUpdatePayload{Health: 20, Food: 20}}
	o.Memory = fakeMemory{}
	o.Policy = policy.NewManager(encoder.StateDim, actionspace.ActionCount, 1)
	o.Actions = actionspace.NewExecutor(&fakeDispatcher{succeed: succeed})
	o.Weights = reward.DefaultWeights()
	o.Exp = experience.NewPool()
	return o
}

func TestRunTickSkipsOnMissingFrame(t *testing.T) {
	o := newTestOrchestrator(false, false, true)
	h := &agenthandle.Handle{Identity: "a", Health: 20, Food: 20}
	o.Spawn(h, 100, 1)

	errs := o.RunTick(context.Background(), 1)
	if len(errs) != 1 || errs[0].Class != ClassNoFrame {
		t.Fatalf("expected one no_frame tick error, got %+v", errs)
	}
}

func TestRunTickSkipsOnStaleFrame(t *testing.T) {
	o := newTestOrchestrator(true, true, true)
	h := &agenthandle.Handle{Identity: "a", Health: 20, Food: 20}
	o.Spawn(h, 100, 1)

	errs := o.RunTick(context.Background(), 1)
	if len(errs) != 1 || errs[0].Class != ClassStaleFrame {
		t.Fatalf("expected one stale_frame tick error, got %+v", errs)
	}
}

func TestRunTickHappyPathAccumulatesExperience(t *testing.T) {
	o := newTestOrchestrator(true, false, true)
	h := &agenthandle.Handle{Identity: "a", Health: 20, Food: 20}
	o.Spawn(h, 100, 1)

	errs := o.RunTick(context.Background(), 1)
	if len(errs) != 0 {
		t.Fatalf("expected no tick errors, got %+v", errs)
	}
	if h.LastActionTime.IsZero() {
		t.Fatalf("expected last action time to be updated on success")
	}
}

func TestRunTickRoutesDeathToEvolution(t *testing.T) {
	o := newTestOrchestrator(true, false, true)
	o.Frames = &fakeFrames{ok: true, stale: false, frame: protocol.SensorUpdatePayload{Health: 0, Food: 20}}
	var diedHandle *agenthandle.Handle
	o.OnDying = func(ctx context.Context, h *agenthandle.Handle, rollout []experience.Step) {
		diedHandle = h
	}
	h := &agenthandle.Handle{Identity: "a", Health: 0, Food: 20}
	o.Spawn(h, 100, 1)

	errs := o.RunTick(context.Background(), 1)
	if len(errs) != 1 || errs[0].Class != ClassDeath {
		t.Fatalf("expected death tick error, got %+v", errs)
	}
	if diedHandle == nil {
		t.Fatalf("expected OnDying callback to fire")
	}
	if o.Active() != 0 {
		t.Fatalf("expected dead agent removed from active population")
	}
}

func TestIdlePenaltyAppliesWhenActionsKeepFailing(t *testing.T) {
	o := newTestOrchestrator(true, false, false) // sensor frame fresh, actions always fail
	o.IdleThreshold = 0
	h := &agenthandle.Handle{Identity: "a", Health: 20, Food: 20, SpawnTime: time.Now().Add(-time.Hour)}
	o.Spawn(h, 100, 1)

	o.RunTick(context.Background(), 1)

	if h.CumulativeReward >= 0 {
		t.Fatalf("expected idle penalty from elapsed wall time to drive reward negative, got %v", h.CumulativeReward)
	}
}

func TestDeathFloorIsConfigurable(t *testing.T) {
	o := newTestOrchestrator(true, false, true)
	o.DeathFloor = -0.001
	h := &agenthandle.Handle{Identity: "a", Health: 20, Food: 20, CumulativeReward: -1}
	o.Spawn(h, 100, 1)

	errs := o.RunTick(context.Background(), 1)
	if len(errs) != 1 || errs[0].Class != ClassDeath {
		t.Fatalf("expected reward-floor death with a tight DeathFloor, got %+v", errs)
	}
}

func TestHandleBridgeDeathRoutesToEvolution(t *testing.T) {
	o := newTestOrchestrator(true, false, true)
	var diedHandle *agenthandle.Handle
	o.OnDying = func(ctx context.Context, h *agenthandle.Handle, rollout []experience.Step) {
		diedHandle = h
	}
	h := &agenthandle.Handle{Identity: "a", Health: 20, Food: 20}
	o.Spawn(h, 100, 1)

	o.HandleBridgeDeath(context.Background(), "a")

	if diedHandle == nil {
		t.Fatalf("expected OnDying callback to fire for a bridge-reported death")
	}
	if diedHandle.Health != 0 {
		t.Fatalf("expected handle health zeroed on bridge death, got %v", diedHandle.Health)
	}
	if o.Active() != 0 {
		t.Fatalf("expected agent removed from active population")
	}
}

func TestPersonalParametersTrainOnlyFromOwnExperience(t *testing.T) {
	o := newTestOrchestrator(true, false, true)
	o.UpdateCfg.BatchSize = 2
	o.UpdateCfg.MinLength = 1
	o.UpdateCfg.MinTicksBetweenUpdates = 0

	h := &agenthandle.Handle{Identity: "a", Health: 20, Food: 20}
	o.Spawn(h, 100, 1)
	o.Policy.AdoptPersonal("a", policy.NewParams(encoder.StateDim, actionspace.ActionCount), 2)

	sharedVersionBefore := o.Policy.Shared().Params.Version
	personalVersionBefore := o.Policy.EffectiveSet("a").Params.Version

	for tick := int64(1); tick <= 3; tick++ {
		o.RunTick(context.Background(), tick)
	}

	if o.Exp.Len() != 0 {
		t.Fatalf("expected personal-origin experience to bypass the shared pool, got %d queued steps", o.Exp.Len())
	}
	if o.Policy.EffectiveSet("a").Params.Version <= personalVersionBefore {
		t.Fatalf("expected the personal parameter set to update from its own experience")
	}
	if o.Policy.Shared().Params.Version != sharedVersionBefore {
		t.Fatalf("expected shared parameters untouched by a personal-origin agent's updates")
	}
}

func TestShutdownDrainsWithoutDeadlock(t *testing.T) {
	o := newTestOrchestrator(true, false, true)
	h := &agenthandle.Handle{Identity: "a", Health: 20, Food: 20}
	o.Spawn(h, 100, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o.Shutdown(ctx)
}
