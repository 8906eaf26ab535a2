package paramstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/npcbrain/internal/policy"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.json")

	p := policy.NewParams(4, 3)
	p.ValueBias = 1.5
	p.Version = 7

	if err := Save(path, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path, 4, 3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ValueBias != 1.5 || loaded.Version != 7 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestLoadRefusesArchitectureMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.json")
	if err := Save(path, policy.NewParams(4, 3)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := Load(path, 4, 5); err == nil {
		t.Fatalf("expected architecture mismatch to be refused")
	}
}

func TestLoadOrInitFallsBackWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")
	p := LoadOrInit(path, 4, 3)
	if p.StateDim != 4 || p.ActionDim != 3 {
		t.Fatalf("expected fresh params of requested architecture, got %+v", p)
	}
}

func TestSaveIsAtomicNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.json")
	if err := Save(path, policy.NewParams(2, 2)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, stat err: %v", err)
	}
}
