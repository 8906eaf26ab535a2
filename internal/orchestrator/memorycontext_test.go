package orchestrator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/nextlevelbuilder/npcbrain/internal/memory"
)

type fakeStore struct {
	memory.Store
	episodic      []memory.Episodic
	relationships []memory.Relationship
}

func (f *fakeStore) RecentEpisodic(ctx context.Context, agentIdentity string, limit int) []memory.Episodic {
	return f.episodic
}

func (f *fakeStore) TopRelationships(ctx context.Context, agentIdentity string, limit int) []memory.Relationship {
	return f.relationships
}

func TestBuildContextAveragesBondStrength(t *testing.T) {
	store := &fakeStore{
		episodic: []memory.Episodic{
			{EmotionalValence: 0.5, Timestamp: time.Now()},
			{EmotionalValence: -0.2, Timestamp: time.Now()},
		},
		relationships: []memory.Relationship{
			{A: "agent-1", B: "agent-2", BondStrength: 0.8},
			{A: "agent-3", B: "agent-1", BondStrength: 0.4},
		},
	}
	mc := NewStoreMemoryContext(store)

	memCtx, nearby, err := mc.BuildContext(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if memCtx.BondedPeersPresent != 2 {
		t.Fatalf("expected 2 bonded peers, got %d", memCtx.BondedPeersPresent)
	}
	if math.Abs(memCtx.AverageBondStrength-0.6) > 1e-9 {
		t.Fatalf("expected average bond 0.6, got %v", memCtx.AverageBondStrength)
	}
	if len(nearby) != 2 || nearby[0].Identity != "agent-2" || nearby[1].Identity != "agent-3" {
		t.Fatalf("expected peer identity to resolve to the other party, got %+v", nearby)
	}
	if len(memCtx.RecentEpisodicValence) != 2 {
		t.Fatalf("expected 2 episodic valence entries, got %d", len(memCtx.RecentEpisodicValence))
	}
}

func TestBuildContextHandlesEmptyHistory(t *testing.T) {
	store := &fakeStore{}
	mc := NewStoreMemoryContext(store)

	memCtx, nearby, err := mc.BuildContext(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if memCtx.BondedPeersPresent != 0 || memCtx.AverageBondStrength != 0 {
		t.Fatalf("expected zero-value context, got %+v", memCtx)
	}
	if len(nearby) != 0 {
		t.Fatalf("expected no nearby peers, got %+v", nearby)
	}
}
