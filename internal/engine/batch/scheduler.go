package batch

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rshade/flowbatch/internal/executor"
	"github.com/rshade/flowbatch/internal/runinfo"
)

// scheduler runs lines through a Proxy with at most workers lines in
// flight. A line is admitted only after a running one finished and, when a
// limiter is set, after the limiter grants it.
type scheduler struct {
	proxy   executor.Proxy
	workers int
	limiter *rate.Limiter
}

func newScheduler(proxy executor.Proxy, workers int, lineRate float64, burst int) *scheduler {
	if workers < 1 {
		workers = executor.DefaultWorkerCount
	}
	s := &scheduler{proxy: proxy, workers: workers}
	if lineRate > 0 {
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(lineRate), burst)
	}
	return s
}

// run executes lines and calls onLine for each result. It stops at the
// first proxy error and returns it.
func (s *scheduler) run(
	ctx context.Context,
	lines []map[string]any,
	runID string,
	onLine func(*runinfo.LineResult),
) error {
	sem := semaphore.NewWeighted(int64(s.workers))
	g, gctx := errgroup.WithContext(ctx)

	for _, line := range lines {
		if s.limiter != nil {
			if err := s.limiter.Wait(gctx); err != nil {
				break
			}
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			index, _ := runinfo.LineNumberOf(line)
			result, err := s.proxy.ExecLine(gctx, line, index, runID)
			if err != nil {
				return err
			}
			onLine(result)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// accumulator holds the results of one run. A line claims a slot with
// reserve before its records are stored and joins the result with commit.
// Once the supervisor freezes the accumulator no slot is granted, so lines
// finishing afterwards never reach storage.
type accumulator struct {
	mu       sync.Mutex
	lines    []*runinfo.LineResult
	aggr     *runinfo.AggregationResult
	frozen   bool
	inflight sync.WaitGroup
}

func newAccumulator(capacity int) *accumulator {
	return &accumulator{lines: make([]*runinfo.LineResult, 0, capacity)}
}

// reserve claims a slot for a line about to be stored. It reports false
// once the accumulator is frozen.
func (a *accumulator) reserve() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return false
	}
	a.inflight.Add(1)
	return true
}

// commit adds the result of a reserved line.
func (a *accumulator) commit(r *runinfo.LineResult) {
	a.mu.Lock()
	a.lines = append(a.lines, r)
	a.mu.Unlock()
	a.inflight.Done()
}

// release gives up a reserved slot without adding a result.
func (a *accumulator) release() {
	a.inflight.Done()
}

func (a *accumulator) setAggregation(r *runinfo.AggregationResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.frozen {
		a.aggr = r
	}
}

// freeze stops granting slots and waits for the reserved ones to be
// committed or released.
func (a *accumulator) freeze() {
	a.mu.Lock()
	a.frozen = true
	a.mu.Unlock()
	a.inflight.Wait()
}

// snapshot returns copies of the collected results.
func (a *accumulator) snapshot() ([]*runinfo.LineResult, *runinfo.AggregationResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lines := make([]*runinfo.LineResult, len(a.lines))
	copy(lines, a.lines)
	return lines, a.aggr
}
