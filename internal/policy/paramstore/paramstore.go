// Package paramstore persists Policy Core parameter sets to a durable
// file, schema-headered so a load against an incompatible architecture
// is refused rather than silently corrupting the running policy. Writes
// are atomic: serialize to a temp path, then rename, mirroring the
// config package's save pattern.
package paramstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/npcbrain/internal/policy"
)

// SchemaVersion is bumped whenever the on-disk layout changes in a way
// that is not forward-compatible.
const SchemaVersion = 1

// file is the on-disk representation: a header the loader checks before
// trusting the payload, plus the parameter set itself.
type file struct {
	SchemaVersion int     `json:"schema_version"`
	StateDim      int     `json:"state_dim"`
	ActionDim     int     `json:"action_dim"`
	Version       int64   `json:"version"`
	PolicyWeights []float64 `json:"policy_weights"`
	PolicyBias    []float64 `json:"policy_bias"`
	ValueWeights  []float64 `json:"value_weights"`
	ValueBias     float64   `json:"value_bias"`
}

// Save atomically writes params to path.
func Save(path string, params *policy.Params) error {
	f := file{
		SchemaVersion: SchemaVersion,
		StateDim:      params.StateDim,
		ActionDim:     params.ActionDim,
		Version:       params.Version,
		PolicyWeights: params.PolicyWeights,
		PolicyBias:    params.PolicyBias,
		ValueWeights:  params.ValueWeights,
		ValueBias:     params.ValueBias,
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("paramstore: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("paramstore: mkdir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("paramstore: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("paramstore: rename: %w", err)
	}
	return nil
}

// Load reads params from path, refusing the file if its schema version
// or architecture (state/action dim) does not match what the caller
// expects. A missing file is reported via os.IsNotExist on the returned
// error so the caller can fall back to fresh initialization.
func Load(path string, wantStateDim, wantActionDim int) (*policy.Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("paramstore: unmarshal: %w", err)
	}
	if f.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("paramstore: schema version %d != %d", f.SchemaVersion, SchemaVersion)
	}
	if f.StateDim != wantStateDim || f.ActionDim != wantActionDim {
		return nil, fmt.Errorf("paramstore: architecture mismatch: file is (%d,%d), want (%d,%d)",
			f.StateDim, f.ActionDim, wantStateDim, wantActionDim)
	}
	if len(f.PolicyWeights) != f.ActionDim*f.StateDim || len(f.PolicyBias) != f.ActionDim || len(f.ValueWeights) != f.StateDim {
		return nil, fmt.Errorf("paramstore: malformed parameter slice lengths")
	}

	return &policy.Params{
		StateDim:      f.StateDim,
		ActionDim:     f.ActionDim,
		Version:       f.Version,
		PolicyWeights: f.PolicyWeights,
		PolicyBias:    f.PolicyBias,
		ValueWeights:  f.ValueWeights,
		ValueBias:     f.ValueBias,
	}, nil
}

// LoadOrInit loads params from path, falling back to a fresh zero-valued
// parameter set of the requested architecture if the file is absent or
// fails the schema check.
func LoadOrInit(path string, stateDim, actionDim int) *policy.Params {
	p, err := Load(path, stateDim, actionDim)
	if err != nil {
		return policy.NewParams(stateDim, actionDim)
	}
	return p
}
