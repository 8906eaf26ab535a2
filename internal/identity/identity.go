// Package identity assigns unique bot identities from an external pool,
// validates them against an identity oracle, and falls back to a locally
// generated name when the pool is exhausted. Only the per-type fallback
// counter is persisted; assignments themselves are not recorded.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/npcbrain/internal/memory"
)

// Candidate is one proposed identity pulled from the external pool.
type Candidate struct {
	Name string
	UUID string
}

// Pool is the external identity pool the service pulls batches from.
type Pool interface {
	// NextBatch returns up to n unused candidates, or fewer if the pool
	// is running low.
	NextBatch(ctx context.Context, agentType string, n int) ([]Candidate, error)
}

// Oracle validates a candidate identity and resolves its canonical
// human-readable name.
type Oracle interface {
	Validate(ctx context.Context, c Candidate) (valid bool, canonicalName string, err error)
}

// Assigned is the result of a successful identity assignment.
type Assigned struct {
	Identity string // canonical human-readable name
	UUID     string // 128-bit identity UUID
	Fallback bool   // true if generated locally rather than drawn from the pool
}

// Service assigns agent identities. A fallback identity always gets a
// freshly minted UUID; a pool candidate's UUID is returned as the pool
// supplied it, without a check against earlier assignments.
type Service struct {
	Pool   Pool
	Oracle Oracle
	Store  memory.Store

	BatchSize       int
	MaxBatches      int
	OracleTimeout   time.Duration
}

// Assign pulls and validates candidates from the pool until one passes
// the oracle, up to MaxBatches batches of BatchSize each. On exhaustion
// it falls back to a locally generated name seeded from a monotonic,
// restart-surviving counter for agentType.
func (s *Service) Assign(ctx context.Context, agentType string) (Assigned, error) {
	batchSize := s.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	maxBatches := s.MaxBatches
	if maxBatches <= 0 {
		maxBatches = 3
	}
	oracleTimeout := s.OracleTimeout
	if oracleTimeout <= 0 {
		oracleTimeout = 2 * time.Second
	}

	if s.Pool != nil && s.Oracle != nil {
		for batch := 0; batch < maxBatches; batch++ {
			candidates, err := s.Pool.NextBatch(ctx, agentType, batchSize)
			if err != nil {
				slog.Warn("identity.pool_batch_failed", "agent_type", agentType, "batch", batch, "error", err)
				break
			}
			if len(candidates) == 0 {
				break
			}
			for _, c := range candidates {
				valCtx, cancel := context.WithTimeout(ctx, oracleTimeout)
				valid, canonical, err := s.Oracle.Validate(valCtx, c)
				cancel()
				if err != nil {
					slog.Warn("identity.oracle_validate_failed", "candidate", c.Name, "error", err)
					continue
				}
				if !valid {
					continue
				}
				name := canonical
				if name == "" {
					name = c.Name
				}
				return Assigned{Identity: name, UUID: c.UUID}, nil
			}
		}
	}

	return s.fallback(ctx, agentType)
}

// fallback generates a locally-unique identity when the external pool is
// exhausted or unavailable: a type-prefixed name with a monotonic
// counter persisted in the Memory Store, and a freshly minted UUID.
func (s *Service) fallback(ctx context.Context, agentType string) (Assigned, error) {
	n, err := s.Store.NextCounter(ctx, agentType)
	if err != nil {
		return Assigned{}, fmt.Errorf("identity: fallback counter failed: %w", err)
	}
	name := fmt.Sprintf("%s_%d", agentType, n)
	id := uuid.New().String()
	slog.Info("identity.fallback_assigned", "agent_type", agentType, "identity", name)
	return Assigned{Identity: name, UUID: id, Fallback: true}, nil
}
