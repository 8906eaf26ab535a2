package experience

import "testing"

func TestAppendAssignsMonotonicStepIndex(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Append(Step{Reward: float64(i)})
	}
	steps := r.Flush()
	for i, s := range steps {
		if s.StepIndex != int64(i) {
			t.Fatalf("step %d has index %d, want %d", i, s.StepIndex, i)
		}
	}
}

func TestRingEvictsWholeEpisodeNotPartial(t *testing.T) {
	r := NewRing(4)
	r.Append(Step{Terminal: true})  // episode 1: one step
	r.Append(Step{})                // episode 2 starts
	r.Append(Step{})
	r.Append(Step{Terminal: true})  // episode 2 ends
	r.Append(Step{})                // episode 3 starts, forces eviction

	steps := r.Flush()
	// episode 1 (a single terminal step) must have been evicted whole.
	terminalCount := 0
	for _, s := range steps {
		if s.Terminal {
			terminalCount++
		}
	}
	if terminalCount != 1 {
		t.Fatalf("expected exactly one terminal step to remain (episode 2), got %d in %+v", terminalCount, steps)
	}
}

func TestRingNeverSplitsAnOpenEpisode(t *testing.T) {
	r := NewRing(2)
	r.Append(Step{})
	r.Append(Step{})
	r.Append(Step{}) // no terminal yet anywhere: must not corrupt contiguity

	steps := r.Flush()
	if len(steps) < 2 {
		t.Fatalf("expected ring to tolerate capacity overrun rather than split an open episode, got %d steps", len(steps))
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].StepIndex != steps[i-1].StepIndex+1 {
			t.Fatalf("step indices not contiguous: %d followed by %d", steps[i-1].StepIndex, steps[i].StepIndex)
		}
	}
}

func TestReadyForFlushOnTerminalOrThreshold(t *testing.T) {
	r := NewRing(100)
	if r.ReadyForFlush(4) {
		t.Fatalf("empty ring should not be ready")
	}
	r.Append(Step{})
	r.Append(Step{})
	if r.ReadyForFlush(4) {
		t.Fatalf("ring below threshold without terminal should not be ready")
	}
	r.Append(Step{Terminal: true})
	if !r.ReadyForFlush(4) {
		t.Fatalf("ring ending on terminal should be ready")
	}
}

func TestPoolDrainIsAMove(t *testing.T) {
	p := NewPool()
	p.Add([]Step{{Reward: 1}, {Reward: 2}})
	if p.Len() != 2 {
		t.Fatalf("expected 2 queued steps, got %d", p.Len())
	}
	drained := p.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained steps, got %d", len(drained))
	}
	if p.Len() != 0 {
		t.Fatalf("expected pool empty after drain, got %d", p.Len())
	}
}
