package pipeline

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagesmith/pagesmith-backend/internal/realtime"
	"github.com/pagesmith/pagesmith-backend/internal/realtime/bus"
)

// progressReporter rate-limits and monotonizes progress for one run. The
// terminal event always goes out regardless of the rate limit.
type progressReporter struct {
	runID       uuid.UUID
	bus         bus.Bus
	minInterval time.Duration

	mu      sync.Mutex
	lastPct int
	lastAt  time.Time
}

func newProgressReporter(runID uuid.UUID, b bus.Bus, minInterval time.Duration) *progressReporter {
	if minInterval <= 0 {
		minInterval = 500 * time.Millisecond
	}
	return &progressReporter{runID: runID, bus: b, minInterval: minInterval}
}

func (p *progressReporter) Stage(ctx context.Context, stage string, pct int, msg string) {
	p.emit(ctx, stage, "", pct, msg, false, "")
}

func (p *progressReporter) Page(ctx context.Context, stage, pageSlug string, pct int, msg string) {
	p.emit(ctx, stage, pageSlug, pct, msg, false, "")
}

func (p *progressReporter) Terminal(ctx context.Context, stage, status, msg string) {
	p.emit(ctx, stage, "", 100, msg, true, status)
}

// PageRange maps done/total onto the start..end percent window.
func (p *progressReporter) PageRange(ctx context.Context, stage, pageSlug string, done, total, start, end int, msg string) {
	if end < start {
		end = start
	}
	pct := start
	if total > 0 && end > start {
		if done < 0 {
			done = 0
		}
		if done > total {
			done = total
		}
		pct = start + int(math.Round(float64(done)/float64(total)*float64(end-start)))
	}
	p.emit(ctx, stage, pageSlug, pct, msg, false, "")
}

func (p *progressReporter) emit(ctx context.Context, stage, pageSlug string, pct int, msg string, terminal bool, status string) {
	if p == nil || p.bus == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	now := time.Now()
	p.mu.Lock()
	if pct < p.lastPct {
		pct = p.lastPct
	}
	if !terminal && pct == p.lastPct && !p.lastAt.IsZero() && now.Sub(p.lastAt) < p.minInterval {
		p.mu.Unlock()
		return
	}
	p.lastPct = pct
	p.lastAt = now
	p.mu.Unlock()

	_ = p.bus.Publish(ctx, realtime.ProgressEvent{
		RunID:    p.runID,
		Stage:    stage,
		PageSlug: pageSlug,
		Percent:  pct,
		Message:  strings.TrimSpace(msg),
		Terminal: terminal,
		Status:   status,
	})
}
