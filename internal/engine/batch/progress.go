package batch

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rshade/flowbatch/internal/logging"
)

// Progress tracks finished lines and logs at an interval derived from the
// total: 10^(digits(total)-2), at least 1. It is safe for concurrent use.
type Progress struct {
	total     int
	finished  int
	interval  int
	startTime time.Time
	now       func() time.Time
	mu        sync.Mutex
}

// NewProgress returns a tracker for total lines, started now.
func NewProgress(total int) *Progress {
	return &Progress{
		total:     total,
		interval:  progressInterval(total),
		startTime: time.Now(),
		now:       time.Now,
	}
}

func progressInterval(total int) int {
	digits := len(strconv.Itoa(total))
	if digits <= 2 {
		return 1
	}
	return int(math.Pow10(digits - 2))
}

// ProgressSnapshot is a point-in-time copy of a Progress.
type ProgressSnapshot struct {
	Total    int
	Finished int
	Elapsed  time.Duration
	// Average is the mean wall time per finished line.
	Average time.Duration
	// Remaining estimates the time left for unfinished lines.
	Remaining time.Duration
}

// Add records n finished lines and returns a snapshot when the new count
// crosses a logging interval or reaches the total.
func (p *Progress) Add(n int) (ProgressSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := p.finished
	p.finished += n
	due := p.finished == p.total || p.finished/p.interval != before/p.interval
	return p.snapshotLocked(), due
}

// Snapshot returns the current progress.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Progress) snapshotLocked() ProgressSnapshot {
	s := ProgressSnapshot{
		Total:    p.total,
		Finished: p.finished,
		Elapsed:  p.now().Sub(p.startTime),
	}
	if p.finished > 0 {
		s.Average = s.Elapsed / time.Duration(p.finished)
		if remaining := p.total - p.finished; remaining > 0 {
			s.Remaining = s.Average * time.Duration(remaining)
		}
	}
	return s
}

// Log writes s to the context logger.
func (s ProgressSnapshot) Log(ctx context.Context) {
	logging.FromContext(ctx).Info().Ctx(ctx).
		Str("component", "batch").
		Int("finished", s.Finished).
		Int("total", s.Total).
		Float64("average_seconds", s.Average.Seconds()).
		Float64("estimated_remaining_seconds", s.Remaining.Seconds()).
		Msgf("Finished %d / %d lines.", s.Finished, s.Total)
}
