package actionspace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/npcbrain/internal/agenthandle"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

func TestCatalogHasCanonicalSize(t *testing.T) {
	if len(Catalog) != ActionCount {
		t.Fatalf("expected %d actions, got %d", ActionCount, len(Catalog))
	}
	seen := map[string]bool{}
	for i, a := range Catalog {
		if a.Index != i {
			t.Fatalf("action %d has mismatched index %d", i, a.Index)
		}
		if seen[a.Name] {
			t.Fatalf("duplicate action name %q", a.Name)
		}
		seen[a.Name] = true
	}
}

type fakeDispatcher struct {
	outcome agenthandle.Outcome
	err     error
	delay   time.Duration
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, h *agenthandle.Handle, action protocol.ActionPayload) (agenthandle.Outcome, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return agenthandle.Outcome{}, ctx.Err()
		}
	}
	return f.outcome, f.err
}

func (f *fakeDispatcher) Spawn(ctx context.Context, req protocol.SpawnAgentPayload) (protocol.SpawnConfirmPayload, error) {
	return protocol.SpawnConfirmPayload{}, nil
}

func (f *fakeDispatcher) Remove(ctx context.Context, req protocol.RemoveAgentPayload) error {
	return nil
}

func TestExecuteInvalidIndexDoesNotPanic(t *testing.T) {
	exec := NewExecutor(&fakeDispatcher{})
	h := &agenthandle.Handle{Identity: "bot-1"}
	out := exec.Execute(context.Background(), h, -1, nil)
	if out.FailureKind != "invalid_index" {
		t.Fatalf("expected invalid_index failure, got %+v", out)
	}
}

func TestExecuteReportsSuccess(t *testing.T) {
	exec := NewExecutor(&fakeDispatcher{outcome: agenthandle.Outcome{Succeeded: true, AmountGained: 1}})
	h := &agenthandle.Handle{Identity: "bot-1"}
	out := exec.Execute(context.Background(), h, 0, nil)
	if !out.Succeeded {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.ActionName != Catalog[0].Name {
		t.Fatalf("expected action name %q, got %q", Catalog[0].Name, out.ActionName)
	}
}

func TestExecuteBoundedByBudget(t *testing.T) {
	exec := &Executor{Dispatcher: &fakeDispatcher{delay: 50 * time.Millisecond}, Budget: 5 * time.Millisecond}
	h := &agenthandle.Handle{Identity: "bot-1"}

	start := time.Now()
	out := exec.Execute(context.Background(), h, 0, nil)
	elapsed := time.Since(start)

	if elapsed > 40*time.Millisecond {
		t.Fatalf("expected execute to respect bounded budget, took %v", elapsed)
	}
	if out.FailureKind != "timeout" {
		t.Fatalf("expected timeout failure, got %+v", out)
	}
}

func TestExecuteDispatchErrorReportsFailureNotPanic(t *testing.T) {
	exec := NewExecutor(&fakeDispatcher{err: errors.New("boom")})
	h := &agenthandle.Handle{Identity: "bot-1"}
	out := exec.Execute(context.Background(), h, 0, nil)
	if out.Succeeded {
		t.Fatalf("expected failure, got success")
	}
}
