package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			MaxAgents:         50,
			SpawnBatchSize:    5,
			SpawnBatchDelayMs: 500,
		},
		Sensor: SensorConfig{
			Host:          "127.0.0.1",
			Port:          8766,
			StaleWindowMs: 2000,
		},
		Bridge: BridgeConfig{
			Host:                 "127.0.0.1",
			Port:                 8765,
			ActionTimeoutMs:      3000,
			ReconnectIntervalMs:  1000,
			ReconnectMaxAttempts: 10,
		},
		ML: MLConfig{
			Enabled:                true,
			StateDim:              512,
			ActionDim:             96,
			LearningRate:          3e-4,
			Gamma:                 0.99,
			GAELambda:             0.95,
			PPOClip:               0.2,
			BatchSize:             2048,
			MinRolloutLength:      128,
			MinTicksBetweenUpdates: 256,
			EpsilonStart:          1.0,
			EpsilonMin:            0.05,
			EpsilonDecaySteps:     500000,
			SaveIntervalMs:        60000,
			ParamsDir:             "~/.npcbrain/params",
		},
		Reward: RewardConfig{
			IdleThresholdMs: 30000,
			DeathFloor:      -20.0,
		},
		Evolution: EvolutionConfig{
			MinPopulation:    5,
			MaxPopulation:    50,
			TargetPopulation: 20,
			SpawnProbability: 0.1,
			ParentPoolSize:   8,
			MutationRate:     0.1,
			MutationSigma:    0.05,
		},
		Dialogue: DialogueConfig{
			Backend:                 "template",
			Enabled:                 true,
			QueueCapacity:           256,
			GlobalCooldownMs:        1000,
			WhisperCooldownMs:       2000,
			LocalCooldownMs:         3000,
			DedupCacheSize:          50,
			RateCeilingPerMinute:    30,
			AmbientReplyProbability: 0.05,
			GenerateTimeoutMs:       5000,
		},
		Memory: MemoryStoreConfig{
			DatabasePath:    "~/.npcbrain/memory.db",
			DecayIntervalMs: 3600000,
			DecayFactor:     0.98,
			DecayFloor:      0.01,
		},
		Identity: IdentityConfig{
			BatchSize:       20,
			MaxBatches:      5,
			OracleTimeoutMs: 2000,
		},
		Personality: PersonalityConfig{
			MutationRate: 0.1,
		},
		Features: FeaturesConfig{
			IdlePenalty:    true,
			DeathThreshold: true,
		},
		Threading: ThreadingConfig{
			MaxWorkers: 0, // 0 = GOMAXPROCS, resolved at startup
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values, and are the only source for secrets
// (sensor token, Postgres DSN) which are never persisted to disk.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("NPCBRAIN_SENSOR_TOKEN", &c.Sensor.Token)
	envStr("NPCBRAIN_SENSOR_HOST", &c.Sensor.Host)
	envInt("NPCBRAIN_SENSOR_PORT", &c.Sensor.Port)
	envStr("NPCBRAIN_BRIDGE_HOST", &c.Bridge.Host)
	envInt("NPCBRAIN_BRIDGE_PORT", &c.Bridge.Port)

	envInt("NPCBRAIN_MAX_AGENTS", &c.Hub.MaxAgents)
	envInt("NPCBRAIN_SPAWN_BATCH_SIZE", &c.Hub.SpawnBatchSize)

	envBool("NPCBRAIN_ML_ENABLED", &c.ML.Enabled)
	envFloat("NPCBRAIN_ML_LEARNING_RATE", &c.ML.LearningRate)
	envStr("NPCBRAIN_ML_PARAMS_DIR", &c.ML.ParamsDir)

	envStr("NPCBRAIN_DIALOGUE_BACKEND", &c.Dialogue.Backend)
	envBool("NPCBRAIN_DIALOGUE_ENABLED", &c.Dialogue.Enabled)

	envStr("NPCBRAIN_MEMORY_DATABASE_PATH", &c.Memory.DatabasePath)

	envStr("NPCBRAIN_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("NPCBRAIN_DATABASE_MODE", &c.Database.Mode)

	envStr("NPCBRAIN_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NPCBRAIN_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("NPCBRAIN_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("NPCBRAIN_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("NPCBRAIN_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "npcbrain"
	}
}

// Save writes the config to a JSON5-compatible JSON file, atomically via
// write-temp-then-rename so a reader never observes a partial file —
// the same discipline the Policy Core's parameter store uses for its
// checkpoint files.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Hash returns a short SHA-256 hash of the config, used to detect
// whether a reloaded file actually changed before applying a hot reload.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Watcher watches the config file for changes and applies the
// hot-reloadable subset (see Config.ApplyHotReload) whenever its
// content hash changes. Invariant-bearing fields (state/action
// dimensions, database mode, listener ports) require a process
// restart and are intentionally left untouched by a running Watcher.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher
}

// NewWatcher starts watching path for writes. Callers must call Close
// when done.
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	return &Watcher{path: path, fsw: fsw}, nil
}

// Run blocks, applying hot-reloadable changes to live as the file
// changes, until done is closed. onReload is invoked after each
// successfully parsed reload with the new, already-merged config.
func (w *Watcher) Run(live *Config, done <-chan struct{}, onReload func(*Config)) {
	lastHash := live.Hash()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			next, err := Load(w.path)
			if err != nil {
				continue
			}
			if h := next.Hash(); h == lastHash {
				continue
			} else {
				lastHash = h
			}
			live.ApplyHotReload(next)
			if onReload != nil {
				onReload(live)
			}
		case <-w.fsw.Errors:
			continue
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
