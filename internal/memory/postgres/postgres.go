// Package postgres is the managed-mode Memory Store backend, used when
// the hub is configured with database.mode = "postgres" and a DSN is
// supplied via environment. It implements the same memory.Store contract
// as the embedded SQLite backend so the Agent Orchestrator and Dialogue
// Pipeline never know which one is live.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/npcbrain/internal/memory"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the Postgres-backed implementation of memory.Store.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and applies pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) AppendEpisodic(ctx context.Context, e memory.Episodic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodic_memories
			(agent_identity, kind, description, outcome, reward, stored_reward, ts, has_position, x, y, z, emotional_valence)
		VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8, $9, $10, $11)`,
		e.AgentIdentity, e.Kind, e.Description, e.Outcome, e.Reward, e.Timestamp, e.HasPosition, e.X, e.Y, e.Z, e.EmotionalValence,
	)
	return err
}

func (s *Store) RecentEpisodic(ctx context.Context, agentIdentity string, limit int) []memory.Episodic {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_identity, kind, description, outcome, reward, stored_reward, ts, has_position, x, y, z, emotional_valence
		FROM episodic_memories WHERE agent_identity = $1 ORDER BY ts DESC LIMIT $2`,
		agentIdentity, limit,
	)
	if err != nil {
		slog.Warn("memory.postgres.recent_episodic_failed", "agent", agentIdentity, "error", err)
		return nil
	}
	defer rows.Close()

	var out []memory.Episodic
	for rows.Next() {
		var e memory.Episodic
		if err := rows.Scan(&e.ID, &e.AgentIdentity, &e.Kind, &e.Description, &e.Outcome, &e.Reward, &e.StoredReward, &e.Timestamp, &e.HasPosition, &e.X, &e.Y, &e.Z, &e.EmotionalValence); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) UpsertRelationship(ctx context.Context, a, b string, bondDelta, trustDelta float64, interactionKind string) error {
	a, b = orderPair(a, b)
	coop, conflict := 0, 0
	if interactionKind == "cooperation" {
		coop = 1
	}
	if interactionKind == "conflict" {
		conflict = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (a, b, bond_strength, trust, cooperation_count, conflict_count, last_interaction)
		VALUES ($1, $2, GREATEST(-1, LEAST(1, $3)), GREATEST(0, LEAST(1, $4)), $5, $6, $7)
		ON CONFLICT (a, b) DO UPDATE SET
			bond_strength = GREATEST(-1, LEAST(1, relationships.bond_strength + EXCLUDED.bond_strength)),
			trust = GREATEST(0, LEAST(1, relationships.trust + EXCLUDED.trust)),
			cooperation_count = relationships.cooperation_count + EXCLUDED.cooperation_count,
			conflict_count = relationships.conflict_count + EXCLUDED.conflict_count,
			last_interaction = EXCLUDED.last_interaction`,
		a, b, bondDelta, trustDelta, coop, conflict, time.Now().UTC(),
	)
	return err
}

func (s *Store) TopRelationships(ctx context.Context, agentIdentity string, limit int) []memory.Relationship {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a, b, bond_strength, trust, cooperation_count, conflict_count, last_interaction
		FROM relationships WHERE a = $1 OR b = $1 ORDER BY bond_strength DESC LIMIT $2`,
		agentIdentity, limit,
	)
	if err != nil {
		slog.Warn("memory.postgres.top_relationships_failed", "agent", agentIdentity, "error", err)
		return nil
	}
	defer rows.Close()

	var out []memory.Relationship
	for rows.Next() {
		var r memory.Relationship
		var last sql.NullTime
		if err := rows.Scan(&r.A, &r.B, &r.BondStrength, &r.Trust, &r.CooperationCount, &r.ConflictCount, &last); err != nil {
			continue
		}
		if last.Valid {
			r.LastInteraction = last.Time
		}
		out = append(out, r)
	}
	return out
}

func (s *Store) RegisterLineage(ctx context.Context, agentIdentity, parentIdentity string, generation int, birthTime time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lineage (agent_identity, parent_identity, generation, birth_time)
		VALUES ($1, $2, $3, $4) ON CONFLICT (agent_identity) DO NOTHING`,
		agentIdentity, parentIdentity, generation, birthTime,
	)
	return err
}

func (s *Store) CloseLineage(ctx context.Context, agentIdentity string, deathTime time.Time, finalFitness float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE lineage SET death_time = $1, final_fitness = $2 WHERE agent_identity = $3`,
		deathTime, finalFitness, agentIdentity,
	)
	return err
}

func (s *Store) AppendConversation(ctx context.Context, c memory.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO player_agent_conversations (speaker_identity, listener_identity, text, ts)
		VALUES ($1, $2, $3, $4)`,
		c.SpeakerIdentity, c.ListenerIdentity, c.Text, c.Timestamp,
	)
	return err
}

func (s *Store) RecentConversations(ctx context.Context, agentIdentity string, limit int) []memory.Conversation {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, speaker_identity, listener_identity, text, ts
		FROM player_agent_conversations WHERE speaker_identity = $1 OR listener_identity = $1
		ORDER BY ts DESC LIMIT $2`,
		agentIdentity, limit,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []memory.Conversation
	for rows.Next() {
		var c memory.Conversation
		if err := rows.Scan(&c.ID, &c.SpeakerIdentity, &c.ListenerIdentity, &c.Text, &c.Timestamp); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (s *Store) AppendContextSnapshot(ctx context.Context, snap memory.ContextSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_snapshots (agent_identity, purpose, summary, ts)
		VALUES ($1, $2, $3, $4)`,
		snap.AgentIdentity, snap.Purpose, snap.Summary, snap.Timestamp,
	)
	return err
}

func (s *Store) RecordResourceLocation(ctx context.Context, r memory.ResourceLocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resource_locations (kind, x, y, z, world, discovered_by, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.Kind, r.X, r.Y, r.Z, r.World, r.DiscoveredBy, r.DiscoveredAt,
	)
	return err
}

func (s *Store) NearestResourceLocations(ctx context.Context, kind string, x, y, z float64, limit int) []memory.ResourceLocation {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, x, y, z, world, discovered_by, discovered_at,
		       ((x-$1)*(x-$1) + (y-$2)*(y-$2) + (z-$3)*(z-$3)) AS dist2
		FROM resource_locations WHERE kind = $4 ORDER BY dist2 ASC LIMIT $5`,
		x, y, z, kind, limit,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []memory.ResourceLocation
	for rows.Next() {
		var r memory.ResourceLocation
		var dist2 float64
		if err := rows.Scan(&r.ID, &r.Kind, &r.X, &r.Y, &r.Z, &r.World, &r.DiscoveredBy, &r.DiscoveredAt, &dist2); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Store) PromptTemplates(ctx context.Context, contextTag string) []memory.PromptTemplate {
	rows, err := s.db.QueryContext(ctx, `SELECT context_tag, template FROM prompt_library WHERE context_tag = $1`, contextTag)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []memory.PromptTemplate
	for rows.Next() {
		var p memory.PromptTemplate
		if err := rows.Scan(&p.ContextTag, &p.Template); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *Store) NextCounter(ctx context.Context, agentTypePrefix string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO agent_counters (prefix, value) VALUES ($1, 0) ON CONFLICT (prefix) DO NOTHING`, agentTypePrefix)
	if err != nil {
		return 0, err
	}
	var val int64
	if err := tx.QueryRowContext(ctx, `UPDATE agent_counters SET value = value + 1 WHERE prefix = $1 RETURNING value`, agentTypePrefix).Scan(&val); err != nil {
		return 0, err
	}
	return val, tx.Commit()
}

func (s *Store) RunDecay(ctx context.Context, factor, floor float64) (decayed, pruned int, err error) {
	res, err := s.db.ExecContext(ctx, `UPDATE episodic_memories SET stored_reward = stored_reward * $1 WHERE stored_reward != 0`, factor)
	if err != nil {
		return 0, 0, err
	}
	n, _ := res.RowsAffected()
	decayed = int(n)

	res, err = s.db.ExecContext(ctx, `DELETE FROM episodic_memories WHERE ABS(stored_reward) < $1`, floor)
	if err != nil {
		return decayed, 0, err
	}
	n, _ = res.RowsAffected()
	pruned = int(n)
	return decayed, pruned, nil
}

func orderPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}
