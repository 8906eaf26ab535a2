package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// DecayScheduler runs the periodic episodic-memory decay job in the
// background, either on a fixed interval or a cron expression, without
// ever blocking a caller's read.
type DecayScheduler struct {
	Store       Store
	Factor      float64
	Floor       float64
	Interval    time.Duration
	CronExpr    string // if non-empty, overrides Interval
}

// Run blocks until ctx is cancelled, firing the decay job on schedule.
func (d *DecayScheduler) Run(ctx context.Context) {
	if d.CronExpr != "" {
		d.runCron(ctx)
		return
	}
	d.runInterval(ctx)
}

func (d *DecayScheduler) runInterval(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.fire(ctx)
		}
	}
}

func (d *DecayScheduler) runCron(ctx context.Context) {
	g := gronx.New()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := g.IsDue(d.CronExpr)
			if err != nil {
				slog.Warn("memory.decay.bad_cron_expression", "expr", d.CronExpr, "error", err)
				continue
			}
			if due {
				d.fire(ctx)
			}
		}
	}
}

func (d *DecayScheduler) fire(ctx context.Context) {
	decayCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	decayed, pruned, err := d.Store.RunDecay(decayCtx, d.Factor, d.Floor)
	if err != nil {
		slog.Warn("memory.decay.failed", "error", err)
		return
	}
	slog.Info("memory.decay.completed", "decayed", decayed, "pruned", pruned)
}
