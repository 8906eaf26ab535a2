package orchestrator

import (
	"context"

	"github.com/nextlevelbuilder/npcbrain/internal/encoder"
	"github.com/nextlevelbuilder/npcbrain/internal/memory"
	"github.com/nextlevelbuilder/npcbrain/internal/reward"
)

// StoreMemoryContext is the default MemoryContext, backed directly by the
// Memory Store. It never blocks the tick path on a slow query for long:
// every lookup is bounded by ctx, and a failed lookup degrades to an
// empty context rather than failing the tick.
type StoreMemoryContext struct {
	Store                memory.Store
	EpisodicHistoryDepth int
	RelationshipDepth    int
	SkillDim             int
}

// NewStoreMemoryContext builds a StoreMemoryContext with the documented
// defaults (matches the encoder's memory-digest and skill slot widths).
func NewStoreMemoryContext(store memory.Store) *StoreMemoryContext {
	return &StoreMemoryContext{
		Store:                store,
		EpisodicHistoryDepth: 64,
		RelationshipDepth:    16,
		SkillDim:             32,
	}
}

// BuildContext assembles the encoder's MemoryContext and the reward
// shaper's nearby-peer snapshot for one agent from the Memory Store.
func (m *StoreMemoryContext) BuildContext(ctx context.Context, agentIdentity string) (encoder.MemoryContext, []reward.Nearby, error) {
	episodic := m.Store.RecentEpisodic(ctx, agentIdentity, m.EpisodicHistoryDepth)
	valence := make([]float64, len(episodic))
	for i, e := range episodic {
		valence[i] = e.EmotionalValence
	}

	relationships := m.Store.TopRelationships(ctx, agentIdentity, m.RelationshipDepth)
	nearby := make([]reward.Nearby, 0, len(relationships))
	sumBond := 0.0
	for _, r := range relationships {
		peer := r.A
		if peer == agentIdentity {
			peer = r.B
		}
		nearby = append(nearby, reward.Nearby{Identity: peer, BondStrength: r.BondStrength})
		sumBond += r.BondStrength
	}
	avgBond := 0.0
	if len(relationships) > 0 {
		avgBond = sumBond / float64(len(relationships))
	}

	memCtx := encoder.MemoryContext{
		RecentEpisodicValence: valence,
		BondedPeersPresent:    len(relationships),
		AverageBondStrength:   avgBond,
		SkillLevels:           make([]float64, m.SkillDim),
	}
	return memCtx, nearby, nil
}
