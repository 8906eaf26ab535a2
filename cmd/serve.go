package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/npcbrain/internal/actionbridge"
	"github.com/nextlevelbuilder/npcbrain/internal/actionspace"
	"github.com/nextlevelbuilder/npcbrain/internal/agenthandle"
	"github.com/nextlevelbuilder/npcbrain/internal/bus"
	"github.com/nextlevelbuilder/npcbrain/internal/config"
	"github.com/nextlevelbuilder/npcbrain/internal/dialogue"
	"github.com/nextlevelbuilder/npcbrain/internal/evolution"
	"github.com/nextlevelbuilder/npcbrain/internal/experience"
	"github.com/nextlevelbuilder/npcbrain/internal/identity"
	"github.com/nextlevelbuilder/npcbrain/internal/memory"
	"github.com/nextlevelbuilder/npcbrain/internal/memory/postgres"
	"github.com/nextlevelbuilder/npcbrain/internal/memory/sqlite"
	"github.com/nextlevelbuilder/npcbrain/internal/orchestrator"
	"github.com/nextlevelbuilder/npcbrain/internal/policy"
	"github.com/nextlevelbuilder/npcbrain/internal/policy/paramstore"
	"github.com/nextlevelbuilder/npcbrain/internal/reward"
	"github.com/nextlevelbuilder/npcbrain/internal/sensorbridge"
	"github.com/nextlevelbuilder/npcbrain/internal/telemetry"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

// shutdownGrace is the maximum time the drain step waits for in-flight
// ticks to finish before forcing the rest of the shutdown sequence.
const shutdownGrace = 5 * time.Second

// openMemoryStore selects the Memory Store backend per cfg.Database.Mode.
// internal/memory cannot import its sqlite/postgres children (they
// import it for the Store interface), so backend selection happens
// here, in the composition root, rather than in an in-package factory.
func openMemoryStore(cfg *config.Config) (memory.Store, error) {
	if cfg.IsManagedMode() {
		store, err := postgres.Open(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres memory store: %w", err)
		}
		return store, nil
	}
	store, err := sqlite.Open(config.ExpandHome(cfg.Memory.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory store: %w", err)
	}
	return store, nil
}

func runServe() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("serve.config_load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if err := telemetry.Init(context.Background(), cfg.Telemetry); err != nil {
		slog.Warn("serve.telemetry_init_failed", "error", err)
	}

	store, err := openMemoryStore(cfg)
	if err != nil {
		slog.Error("serve.memory_store_open_failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	writer := memory.NewAsyncWriter(store, memory.DefaultQueueCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go writer.Run(ctx)

	decay := &memory.DecayScheduler{
		Store:    store,
		Factor:   cfg.Memory.DecayFactor,
		Floor:    cfg.Memory.DecayFloor,
		Interval: time.Duration(cfg.Memory.DecayIntervalMs) * time.Millisecond,
		CronExpr: cfg.Memory.DecayCron,
	}
	go decay.Run(ctx)

	eventBus := bus.New()

	sensorURL := fmt.Sprintf("ws://%s:%d", cfg.Sensor.Host, cfg.Sensor.Port)
	sensor := sensorbridge.New(sensorURL, cfg.Sensor.Token, eventBus)
	sensor.StaleWindow = time.Duration(cfg.Sensor.StaleWindowMs) * time.Millisecond

	bridgeURL := fmt.Sprintf("ws://%s:%d", cfg.Bridge.Host, cfg.Bridge.Port)
	bridge := actionbridge.New(bridgeURL, eventBus)
	bridge.ActionTimeout = time.Duration(cfg.Bridge.ActionTimeoutMs) * time.Millisecond
	bridge.BackoffInterval = time.Duration(cfg.Bridge.ReconnectIntervalMs) * time.Millisecond
	bridge.MaxAttempts = cfg.Bridge.ReconnectMaxAttempts

	if err := sensor.Connect(ctx); err != nil {
		slog.Error("serve.sensor_connect_failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := sensor.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("serve.sensor_run_stopped", "error", err)
		}
	}()

	if err := bridge.Connect(ctx); err != nil {
		slog.Error("serve.bridge_connect_failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("serve.bridge_run_stopped", "error", err)
		}
	}()

	identitySvc := &identity.Service{
		Store:         store,
		BatchSize:     cfg.Identity.BatchSize,
		MaxBatches:    cfg.Identity.MaxBatches,
		OracleTimeout: time.Duration(cfg.Identity.OracleTimeoutMs) * time.Millisecond,
	}

	paramsDir := config.ExpandHome(cfg.ML.ParamsDir)
	sharedPath := paramsDir + "/shared/params.json"
	policyMgr := policy.NewManager(cfg.ML.StateDim, cfg.ML.ActionDim, time.Now().UnixNano())
	policyMgr.Shared().Params = paramstore.LoadOrInit(sharedPath, cfg.ML.StateDim, cfg.ML.ActionDim)

	actions := actionspace.NewExecutor(bridge)

	evoMgr := evolution.NewManager(time.Now().UnixNano())
	evoMgr.Bounds = evolution.PopulationBounds{
		Min:    cfg.Evolution.MinPopulation,
		Max:    cfg.Evolution.MaxPopulation,
		Target: cfg.Evolution.TargetPopulation,
	}
	evoMgr.TopK = cfg.Evolution.ParentPoolSize
	evoMgr.SpawnProbability = cfg.Evolution.SpawnProbability
	evoMgr.Mutation.WeightMutationRate = cfg.Evolution.MutationRate
	evoMgr.Mutation.WeightMutationStdFactor = cfg.Evolution.MutationSigma
	evoMgr.Mutation.PersonalityMutationRate = cfg.Personality.MutationRate

	weights := reward.DefaultWeights()
	expPool := experience.NewPool()

	maxWorkers := cfg.Threading.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	orch := orchestrator.New(int64(maxWorkers))
	orch.Frames = sensor
	orch.Memory = orchestrator.NewStoreMemoryContext(store)
	orch.Policy = policyMgr
	orch.Actions = actions
	orch.Weights = weights
	orch.Exp = expPool
	orch.Lineage = writer
	orch.Eps = policy.Epsilon{Start: cfg.ML.EpsilonStart, Min: cfg.ML.EpsilonMin, Steps: cfg.ML.EpsilonDecaySteps}
	orch.DeathFloor = cfg.Reward.DeathFloor
	orch.IdleThreshold = time.Duration(cfg.Reward.IdleThresholdMs) * time.Millisecond
	orch.IdlePenaltyEnabled = cfg.Features.IdlePenalty
	orch.DeathThresholdEnabled = cfg.Features.DeathThreshold

	orch.OnDying = func(ctx context.Context, h *agenthandle.Handle, rollout []experience.Step) {
		evoMgr.RecordDeath(evolution.Record{
			Identity:         h.Identity,
			TypeTag:          h.TypeTag,
			CumulativeReward: h.CumulativeReward,
			FinalHealth:      h.Health,
			Params:           policyMgr.EffectiveSet(h.Identity).Params,
		})
		policyMgr.Forget(h.Identity)

		if err := bridge.Remove(ctx, protocol.RemoveAgentPayload{Name: h.Identity, Reason: "death"}); err != nil {
			slog.Warn("serve.remove_agent_failed", "agent", h.Identity, "error", err)
		}

		offspring, ok := evoMgr.ProposeOffspring(h.TypeTag, orch.Active(), cfg.ML.StateDim, cfg.ML.ActionDim)
		if !ok {
			return
		}
		spawnOffspring(ctx, orch, identitySvc, bridge, policyMgr, offspring)
	}

	dialoguePipeline := dialogue.New(
		nil, // no generator oracle wired by default; the pipeline falls back to templates
		dialogue.StoreTemplates{Store: store},
		dialogue.StoreSink{Bridge: bridge, Writer: writer},
		cfg.Dialogue.QueueCapacity,
	)
	dialoguePipeline.Cooldowns = dialogue.CooldownConfig{
		Global:  time.Duration(cfg.Dialogue.GlobalCooldownMs) * time.Millisecond,
		Whisper: time.Duration(cfg.Dialogue.WhisperCooldownMs) * time.Millisecond,
		Local:   time.Duration(cfg.Dialogue.LocalCooldownMs) * time.Millisecond,
	}
	if cfg.Dialogue.Enabled {
		go dialoguePipeline.Run(ctx)
	}

	ticks := eventBus.SubscribeTicks("serve")
	deaths := eventBus.SubscribeDeaths("serve")
	shutdownSignal := eventBus.SubscribeShutdown("serve")
	defer eventBus.Unsubscribe("serve")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()
	pollTicker := time.NewTicker(50 * time.Millisecond)
	defer pollTicker.Stop()

	updateCfg := trainingUpdateConfig(cfg)
	var lastTick int64

	slog.Info("npcbrain.serve_starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"managed_mode", cfg.IsManagedMode(),
	)

runLoop:
	for {
		select {
		case sig := <-sigCh:
			slog.Info("npcbrain.graceful_shutdown_initiated", "signal", sig.String())
			break runLoop

		case <-statusTicker.C:
			slog.Info("npcbrain.status",
				"active_agents", orch.Active(),
				"shared_version", policyMgr.Shared().Params.Version,
			)

		case <-pollTicker.C:
			for _, ev := range shutdownSignal.Drain() {
				slog.Info("npcbrain.bridge_shutdown_signal", "reason", ev.Reason)
				break runLoop
			}
			for _, ev := range ticks.Drain() {
				lastTick = int64(ev.Tick.Tick)
				if errs := orch.RunTick(ctx, lastTick); len(errs) > 0 {
					for _, e := range errs {
						slog.Warn("npcbrain.tick_error", "agent", e.Agent, "tick", e.Tick, "class", e.Class, "message", e.Message)
					}
				}
			}
			for _, ev := range deaths.Drain() {
				slog.Info("npcbrain.bridge_reported_death", "agent", ev.AgentIdentity, "cause", ev.Cause, "killer", ev.Killer)
				orch.HandleBridgeDeath(ctx, ev.AgentIdentity)
			}
			maybeTrain(policyMgr, expPool, updateCfg, lastTick)
		}
	}

	// Graceful shutdown: new ticks stopped the moment the loop above
	// exited; drain in-flight ticks with a grace window, flush buffers,
	// persist parameters, close external connections.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	orch.Shutdown(drainCtx)
	drainCancel()

	if err := paramstore.Save(sharedPath, policyMgr.Shared().Params); err != nil {
		slog.Warn("npcbrain.params_save_failed", "error", err)
	}

	sensor.Disconnect()
	bridge.Close()
	cancel()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := telemetry.Shutdown(telemetryCtx); err != nil {
		slog.Warn("npcbrain.telemetry_shutdown_failed", "error", err)
	}
	telemetryCancel()

	slog.Info("npcbrain.shutdown_complete")
}

// trainingUpdateConfig builds a policy.UpdateConfig from the resolved ML
// config, keeping DefaultUpdateConfig's entropy/value coefficients since
// no config field overrides them.
func trainingUpdateConfig(cfg *config.Config) policy.UpdateConfig {
	uc := policy.DefaultUpdateConfig()
	uc.BatchSize = cfg.ML.BatchSize
	uc.MinLength = cfg.ML.MinRolloutLength
	uc.Gamma = cfg.ML.Gamma
	uc.Lambda = cfg.ML.GAELambda
	uc.ClipEps = cfg.ML.PPOClip
	uc.LearningRate = cfg.ML.LearningRate
	uc.MinTicksBetweenUpdates = int64(cfg.ML.MinTicksBetweenUpdates)
	return uc
}

// toRollout adapts flushed experience steps to the shape the Policy
// Core's PPO update consumes.
func toRollout(steps []experience.Step) []policy.Rollout {
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

// maybeTrain drains the shared experience pool and runs one PPO update
// against the shared parameter set once enough steps have accumulated.
// Set.Update itself decides whether the batch is actually large enough
// and enforces the min-ticks-between-updates spacing; a pool below
// cfg.ML.BatchSize is left untouched so a later, larger batch still
// sees every step.
func maybeTrain(policyMgr *policy.Manager, expPool *experience.Pool, updateCfg policy.UpdateConfig, currentTick int64) {
	if expPool.Len() < updateCfg.BatchSize {
		return
	}
	steps := expPool.Drain()
	rollout := toRollout(steps)
	shared := policyMgr.Shared()
	_, span := telemetry.Tracer("npcbrain/policy").Start(context.Background(), "ppo_update")
	applied := shared.Update(rollout, updateCfg, currentTick)
	span.End()
	if applied {
		slog.Info("npcbrain.policy_update_applied", "rollout_len", len(rollout), "version", shared.Params.Version)
	}
}

// spawnOffspring assigns a fresh identity, installs the offspring's
// mutated parameters and personality, and registers it with both the
// bridge and the orchestrator.
func spawnOffspring(ctx context.Context, orch *orchestrator.Orchestrator, identitySvc *identity.Service, bridge *actionbridge.Client, policyMgr *policy.Manager, offspring evolution.Offspring) {
	assigned, err := identitySvc.Assign(ctx, offspring.TypeTag)
	if err != nil {
		slog.Warn("serve.identity_assign_failed", "type", offspring.TypeTag, "error", err)
		return
	}

	confirm, err := bridge.Spawn(ctx, protocol.SpawnAgentPayload{Name: assigned.Identity, Type: offspring.TypeTag})
	if err != nil {
		slog.Warn("serve.spawn_agent_failed", "identity", assigned.Identity, "error", err)
		return
	}

	h := &agenthandle.Handle{
		Identity:       assigned.Identity,
		IdentityUUID:   assigned.UUID,
		TypeTag:        offspring.TypeTag,
		Generation:     offspring.Generation,
		ParentIdentity: offspring.ParentIdentity,
		SpawnTime:      time.Now(),
		Health:         20,
		Food:           20,
	}
	_ = confirm

	policyMgr.AdoptPersonal(h.Identity, offspring.Params, time.Now().UnixNano())
	orch.Spawn(h, experience.DefaultCapacity, time.Now().UnixNano())
}
