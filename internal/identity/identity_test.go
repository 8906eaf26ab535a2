package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/npcbrain/internal/memory"
)

type fakePool struct {
	batches [][]Candidate
	calls   int
}

func (p *fakePool) NextBatch(ctx context.Context, agentType string, n int) ([]Candidate, error) {
	if p.calls >= len(p.batches) {
		return nil, nil
	}
	b := p.batches[p.calls]
	p.calls++
	return b, nil
}

type fakeOracle struct {
	validName string
}

func (o *fakeOracle) Validate(ctx context.Context, c Candidate) (bool, string, error) {
	return c.Name == o.validName, c.Name, nil
}

type counterStore struct {
	memory.Store
	n int64
}

func (c *counterStore) NextCounter(ctx context.Context, prefix string) (int64, error) {
	c.n++
	return c.n, nil
}

func TestAssignReturnsFirstValidCandidate(t *testing.T) {
	pool := &fakePool{batches: [][]Candidate{{{Name: "bad", UUID: "u1"}, {Name: "good", UUID: "u2"}}}}
	oracle := &fakeOracle{validName: "good"}
	svc := &Service{Pool: pool, Oracle: oracle, Store: &counterStore{}}

	got, err := svc.Assign(context.Background(), "villager")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Identity != "good" || got.UUID != "u2" || got.Fallback {
		t.Fatalf("unexpected assignment: %+v", got)
	}
}

func TestAssignFallsBackWhenPoolExhausted(t *testing.T) {
	pool := &fakePool{batches: [][]Candidate{{{Name: "bad", UUID: "u1"}}}}
	oracle := &fakeOracle{validName: "never-matches"}
	svc := &Service{Pool: pool, Oracle: oracle, Store: &counterStore{}, MaxBatches: 1}

	got, err := svc.Assign(context.Background(), "villager")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Fallback {
		t.Fatalf("expected fallback assignment, got %+v", got)
	}
	if got.Identity != "villager_1" {
		t.Fatalf("expected generated name villager_1, got %q", got.Identity)
	}
}

func TestAssignFallsBackWhenNoPoolConfigured(t *testing.T) {
	svc := &Service{Store: &counterStore{}}
	got, err := svc.Assign(context.Background(), "zombie")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Fallback {
		t.Fatalf("expected fallback, got %+v", got)
	}
}

func TestAssignPropagatesFallbackCounterError(t *testing.T) {
	svc := &Service{Store: &failingCounterStore{}}
	_, err := svc.Assign(context.Background(), "zombie")
	if err == nil {
		t.Fatalf("expected error when counter store fails")
	}
}

type failingCounterStore struct {
	memory.Store
}

func (f *failingCounterStore) NextCounter(ctx context.Context, prefix string) (int64, error) {
	return 0, errors.New("store unavailable")
}
