package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	Store
	calls int32
}

func (f *fakeStore) RunDecay(ctx context.Context, factor, floor float64) (int, int, error) {
	atomic.AddInt32(&f.calls, 1)
	return 1, 0, nil
}

func TestDecaySchedulerFiresOnInterval(t *testing.T) {
	fs := &fakeStore{}
	d := &DecayScheduler{Store: fs, Factor: 0.98, Floor: 0.01, Interval: 5 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if atomic.LoadInt32(&fs.calls) == 0 {
		t.Fatalf("expected decay to fire at least once within the timeout window")
	}
}

func TestDecaySchedulerStopsOnContextCancel(t *testing.T) {
	fs := &fakeStore{}
	d := &DecayScheduler{Store: fs, Interval: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected Run to return promptly after context cancellation")
	}
}
