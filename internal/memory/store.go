// Package memory defines the durable, queryable store for episodic
// memory, relationships, lineage, conversation transcripts, and the
// few auxiliary tables (identity counters, resource locations, context
// snapshots, prompt library) the rest of the core treats as one
// knowledge database separate from the policy parameter directory.
package memory

import (
	"context"
	"time"
)

// Episodic is one append-only episodic memory record. Records are never
// edited after insert; decay only adjusts StoredReward in place and
// eventually prunes rows below the configured floor.
type Episodic struct {
	ID           int64
	AgentIdentity string
	Kind          string
	Description   string
	Outcome       string
	Reward        float64
	StoredReward  float64 // decayed copy of Reward, adjusted by the background decay job
	Timestamp     time.Time
	HasPosition   bool
	X, Y, Z       float64
	EmotionalValence float64
}

// Relationship is the symmetric pairwise bond between two agent
// identities. Storage always orders (A, B) lexicographically so the
// same row is read and written regardless of argument order.
type Relationship struct {
	A, B            string
	BondStrength    float64 // clamped to [-1, 1]
	Trust           float64 // clamped to [0, 1]
	CooperationCount int
	ConflictCount    int
	LastInteraction  time.Time
}

// Lineage is one agent's ancestry and life-span record.
type Lineage struct {
	AgentIdentity string
	ParentIdentity string
	Generation     int
	BirthTime      time.Time
	DeathTime      *time.Time
	FinalFitness   *float64
}

// Conversation is one stored utterance between a player and an agent,
// or between two agents, for later prompt-effectiveness evaluation.
type Conversation struct {
	ID            int64
	SpeakerIdentity string
	ListenerIdentity string
	Text          string
	Timestamp     time.Time
}

// ContextSnapshot records the assembled memory context handed to the
// encoder or dialogue pipeline at a point in time, for offline analysis
// of prompt/context effectiveness.
type ContextSnapshot struct {
	ID            int64
	AgentIdentity string
	Purpose       string // "encode" or "dialogue"
	Summary       string
	Timestamp     time.Time
}

// ResourceLocation is a remembered world location of interest (e.g. a
// known ore vein or village), keyed loosely by kind and discoverer.
type ResourceLocation struct {
	ID            int64
	Kind          string
	X, Y, Z       float64
	World         string
	DiscoveredBy  string
	DiscoveredAt  time.Time
}

// PromptTemplate is one entry in the deterministic template fallback
// table the Dialogue Pipeline draws from when the generator oracle
// fails or times out.
type PromptTemplate struct {
	ContextTag string
	Template   string
}

// Store is the full durable-storage contract the rest of the core
// depends on. Reads must tolerate the store being temporarily
// unavailable — they return empty results, never an error, so a tick
// never fails solely because storage hiccuped. Writes return an error,
// since the orchestrator enqueues them fire-and-forget and only logs
// failures.
type Store interface {
	AppendEpisodic(ctx context.Context, e Episodic) error
	RecentEpisodic(ctx context.Context, agentIdentity string, limit int) []Episodic

	UpsertRelationship(ctx context.Context, a, b string, bondDelta, trustDelta float64, interactionKind string) error
	TopRelationships(ctx context.Context, agentIdentity string, limit int) []Relationship

	RegisterLineage(ctx context.Context, agentIdentity, parentIdentity string, generation int, birthTime time.Time) error
	CloseLineage(ctx context.Context, agentIdentity string, deathTime time.Time, finalFitness float64) error

	AppendConversation(ctx context.Context, c Conversation) error
	RecentConversations(ctx context.Context, agentIdentity string, limit int) []Conversation

	AppendContextSnapshot(ctx context.Context, s ContextSnapshot) error

	RecordResourceLocation(ctx context.Context, r ResourceLocation) error
	NearestResourceLocations(ctx context.Context, kind string, x, y, z float64, limit int) []ResourceLocation

	PromptTemplates(ctx context.Context, contextTag string) []PromptTemplate

	// NextCounter atomically increments and returns the monotonic,
	// restart-surviving counter for the given agent-type prefix, used by
	// the Identity Service's local fallback name generator.
	NextCounter(ctx context.Context, agentTypePrefix string) (int64, error)

	// RunDecay applies the configured decay factor to stored episodic
	// reward magnitudes and prunes rows that fall below the floor. It is
	// invoked by a background schedule and must not block reads.
	RunDecay(ctx context.Context, factor, floor float64) (decayed, pruned int, err error)

	Close() error
}

// Mode names a Memory Store backend, matching the values of the
// database.mode setting.
type Mode string

const (
	ModeSQLite   Mode = "sqlite"
	ModePostgres Mode = "postgres"
)
