package syncer

import (
	"time"

	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/types"
)

// progressTracker turns page commits into Progress and RateEstimate
// callbacks. Total passes through as -1 until the remote reports a
// collection size.
type progressTracker struct {
	entity     types.EntityType
	clk        clock.Clock
	started    time.Time
	seeded     int
	onProgress func(types.Progress)
	onRate     func(types.RateEstimate)
}

func newProgressTracker(entity types.EntityType, clk clock.Clock, cfg syncConfig) *progressTracker {
	return &progressTracker{
		entity:     entity,
		clk:        clk,
		started:    clk.Now(),
		onProgress: cfg.progress,
		onRate:     cfg.rate,
	}
}

// seed sets the records already walked before this invocation, so a
// resumed sync reports cumulative progress without inflating its rate.
func (p *progressTracker) seed(processed int) {
	p.seeded = processed
}

// observe reports cumulative progress after a committed page.
func (p *progressTracker) observe(processed, total int) {
	if p.onProgress != nil {
		prog := types.Progress{
			Entity:    p.entity,
			Processed: processed,
			Total:     total,
		}
		if total > 0 {
			prog.Percentage = float64(processed) / float64(total) * 100
			if prog.Percentage > 100 {
				prog.Percentage = 100
			}
		}
		p.onProgress(prog)
	}

	if p.onRate == nil {
		return
	}
	elapsed := p.clk.Now().Sub(p.started)
	done := processed - p.seeded
	if elapsed <= 0 || done <= 0 {
		return
	}
	rate := float64(done) / elapsed.Seconds()
	est := types.RateEstimate{Entity: p.entity, ItemsPerSecond: rate}
	if total > processed {
		est.Remaining = time.Duration(float64(total-processed) / rate * float64(time.Second))
	}
	p.onRate(est)
}
