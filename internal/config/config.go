package config

import "sync"

// DefaultConfigPath is used when no --config flag or env var is set.
const DefaultConfigPath = "npcbrain.json5"

// Config is the root configuration for the npcbrain hub.
type Config struct {
	Hub         HubConfig         `json:"hub"`
	Sensor      SensorConfig      `json:"sensor"`
	Bridge      BridgeConfig      `json:"bridge"`
	ML          MLConfig          `json:"ml"`
	Reward      RewardConfig      `json:"reward"`
	Evolution   EvolutionConfig   `json:"evolution"`
	Dialogue    DialogueConfig    `json:"dialogue"`
	Memory      MemoryStoreConfig `json:"memory"`
	Identity    IdentityConfig    `json:"identity"`
	Personality PersonalityConfig `json:"personality"`
	Features    FeaturesConfig    `json:"features"`
	Threading   ThreadingConfig   `json:"threading"`
	Database    DatabaseConfig    `json:"database,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	mu          sync.RWMutex
}

// HubConfig controls population-level limits and spawn pacing.
type HubConfig struct {
	MaxAgents         int `json:"max_agents"`
	SpawnBatchSize    int `json:"spawn_batch_size"`
	SpawnBatchDelayMs int `json:"spawn_batch_delay_ms"`
}

// SensorConfig addresses the external sensor broadcaster.
type SensorConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Token         string `json:"-"` // from env NPCBRAIN_SENSOR_TOKEN only
	StaleWindowMs int    `json:"stale_window_ms"`
}

// BridgeConfig addresses the v2 action/spawn bridge. It is frequently the
// same socket as SensorConfig but is kept distinct so the two halves of
// the wire contract in pkg/protocol can evolve independently.
type BridgeConfig struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	ActionTimeoutMs      int    `json:"action_timeout_ms"`
	ReconnectIntervalMs  int    `json:"reconnect_interval_ms"`
	ReconnectMaxAttempts int    `json:"reconnect_max_attempts"`
}

// MLConfig configures the Policy Core.
type MLConfig struct {
	Enabled                bool    `json:"enabled"`
	StateDim               int     `json:"state_dim"`
	ActionDim              int     `json:"action_dim"`
	LearningRate           float64 `json:"learning_rate"`
	Gamma                  float64 `json:"gamma"`
	GAELambda              float64 `json:"gae_lambda"`
	PPOClip                float64 `json:"ppo_clip"`
	BatchSize              int     `json:"batch_size"`
	MinRolloutLength       int     `json:"min_rollout_length"`
	MinTicksBetweenUpdates int     `json:"min_ticks_between_updates"`
	EpsilonStart           float64 `json:"epsilon_start"`
	EpsilonMin             float64 `json:"epsilon_min"`
	EpsilonDecaySteps      int64   `json:"epsilon_decay_steps"`
	SaveIntervalMs         int     `json:"save_interval_ms"`
	ParamsDir              string  `json:"params_dir"`
}

// RewardConfig holds the tunable knobs around the single authoritative
// weight table kept in internal/reward. The weight table itself is not
// config: it is a fixed, single source of truth, not something this
// struct re-derives or overrides.
type RewardConfig struct {
	IdleThresholdMs int     `json:"idle_threshold_ms"`
	DeathFloor      float64 `json:"death_floor"`
}

// EvolutionConfig configures the Evolution Manager.
type EvolutionConfig struct {
	MinPopulation    int     `json:"min_population"`
	MaxPopulation    int     `json:"max_population"`
	TargetPopulation int     `json:"target_population"`
	SpawnProbability float64 `json:"spawn_probability"`
	ParentPoolSize   int     `json:"parent_pool_size"`
	MutationRate     float64 `json:"mutation_rate"`
	MutationSigma    float64 `json:"mutation_sigma"`
}

// DialogueConfig configures the bounded-concurrency dialogue pipeline.
type DialogueConfig struct {
	Backend                 string  `json:"backend"`
	Enabled                  bool    `json:"enabled"`
	QueueCapacity            int     `json:"queue_capacity"`
	GlobalCooldownMs         int     `json:"global_cooldown_ms"`
	WhisperCooldownMs        int     `json:"whisper_cooldown_ms"`
	LocalCooldownMs          int     `json:"local_cooldown_ms"`
	DedupCacheSize           int     `json:"dedup_cache_size"`
	RateCeilingPerMinute     int     `json:"rate_ceiling_per_minute"`
	AmbientReplyProbability  float64 `json:"ambient_reply_probability"`
	GenerateTimeoutMs        int     `json:"generate_timeout_ms"`
}

// MemoryStoreConfig configures the Memory Store.
type MemoryStoreConfig struct {
	DatabasePath    string  `json:"database_path"`
	DecayIntervalMs int     `json:"decay_interval_ms"`
	DecayCron       string  `json:"decay_cron,omitempty"` // gronx expression, overrides DecayIntervalMs when set
	DecayFactor     float64 `json:"decay_factor"`
	DecayFloor      float64 `json:"decay_floor"`
}

// IdentityConfig configures the Identity Service.
type IdentityConfig struct {
	BatchSize       int `json:"batch_size"`
	MaxBatches      int `json:"max_batches"`
	OracleTimeoutMs int `json:"oracle_timeout_ms"`
}

// PersonalityConfig configures independent personality-trait mutation.
type PersonalityConfig struct {
	MutationRate float64 `json:"mutation_rate"`
}

// FeaturesConfig toggles optional, non-default behavior.
type FeaturesConfig struct {
	IdlePenalty    bool `json:"idle_penalty"`
	DeathThreshold bool `json:"death_threshold"`
}

// ThreadingConfig bounds the agent-tick worker pool.
type ThreadingConfig struct {
	MaxWorkers int `json:"max_workers"` // 0 = GOMAXPROCS
}

// DatabaseConfig selects the Memory Store backend. PostgresDSN is never
// read from the config file — only from env NPCBRAIN_POSTGRES_DSN — so
// it never ends up persisted to disk by Save.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "sqlite" (default) or "postgres"
	PostgresDSN string `json:"-"`
}

// IsManagedMode reports whether the hub should use the Postgres backend.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "postgres" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry span export. When enabled,
// agent ticks, PPO updates, and dialogue generation calls are traced to
// an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Snapshot returns a copy of the config safe to read for the lifetime of
// a tick without holding the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Hub = src.Hub
	c.Sensor.Host, c.Sensor.Port, c.Sensor.StaleWindowMs = src.Sensor.Host, src.Sensor.Port, src.Sensor.StaleWindowMs
	c.Bridge = src.Bridge
	c.ML = src.ML
	c.Reward = src.Reward
	c.Evolution = src.Evolution
	c.Dialogue = src.Dialogue
	c.Memory = src.Memory
	c.Identity = src.Identity
	c.Personality = src.Personality
	c.Features = src.Features
	c.Threading = src.Threading
	c.Telemetry = src.Telemetry
	c.Database.Mode = src.Database.Mode
}

// ApplyHotReload copies only the fields that are safe to change without a
// restart: spawn pacing, the dialogue rate ceiling, the global dialogue
// cooldown and the ambient reply probability. Everything else
// (state/action dims, database mode, ports) requires a restart because
// it is load-bearing for data already on disk or connections already
// established.
func (c *Config) ApplyHotReload(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Hub.SpawnBatchSize = next.Hub.SpawnBatchSize
	c.Hub.SpawnBatchDelayMs = next.Hub.SpawnBatchDelayMs
	c.Dialogue.RateCeilingPerMinute = next.Dialogue.RateCeilingPerMinute
	c.Dialogue.GlobalCooldownMs = next.Dialogue.GlobalCooldownMs
	c.Dialogue.AmbientReplyProbability = next.Dialogue.AmbientReplyProbability
}
