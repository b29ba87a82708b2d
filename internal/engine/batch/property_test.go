package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/runinfo"
)

// TestRunProperties checks the run invariants over random batch sizes,
// worker counts and failure mixes.
func TestRunProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	// kinds[i] decides line i: 0 completes, 1 fails with a user error,
	// 2 fails with a system error.
	run := func(t *testing.T, workers int, kinds []int) (*Result, *stubProxy, error) {
		proxy := &stubProxy{
			exec: func(ctx context.Context, inputs map[string]any, index int, runID string) (*runinfo.LineResult, error) {
				time.Sleep(time.Duration((len(kinds)-index)%3) * time.Millisecond)
				switch kinds[index] {
				case 1:
					return failedLine(index, runID, inputs,
						failure.User(failure.TargetTool, failure.CodeToolExecution, "bad input")), nil
				case 2:
					return failedLine(index, runID, inputs, errors.New("runtime crashed")), nil
				default:
					return completedLine(index, runID, inputs), nil
				}
			},
		}
		fx := newFixture(t, len(kinds), Config{WorkerCount: workers}, proxy)
		res, err := fx.engine.Run(context.Background(), fx.request("prop"))
		if err != nil {
			return nil, proxy, err
		}
		return res, proxy, nil
	}

	properties.Property("line counts add up and failures are classified once", prop.ForAll(
		func(workers, n int, all []int) bool {
			kinds := all[:n]
			res, proxy, err := run(t, workers, kinds)
			if err != nil {
				return false
			}
			var wantUser, wantSystem int
			for _, k := range kinds {
				switch k {
				case 1:
					wantUser++
				case 2:
					wantSystem++
				}
			}
			summary := res.ErrorSummary
			return res.TotalLines == len(kinds) &&
				res.CompletedLines+res.FailedLines == len(kinds) &&
				summary.FailedUserErrorLines == wantUser &&
				summary.FailedSystemErrorLines == wantSystem &&
				summary.FailedUserErrorLines+summary.FailedSystemErrorLines == res.FailedLines &&
				len(summary.ErrorList) == res.FailedLines &&
				int(proxy.peak.Load()) <= workers
		},
		gen.IntRange(1, 4),
		gen.IntRange(1, 16),
		gen.SliceOfN(16, gen.IntRange(0, 2)),
	))

	properties.Property("output file is sorted by line number", prop.ForAll(
		func(workers, n int) bool {
			kinds := make([]int, n)
			for i := range kinds {
				if i%3 == 2 {
					kinds[i] = 1
				}
			}
			res, _, err := run(t, workers, kinds)
			if err != nil {
				return false
			}
			outputs := readOutputs(t, res.OutputPath)
			if len(outputs) != res.CompletedLines {
				return false
			}
			last := -1.0
			for _, record := range outputs {
				line, ok := record[runinfo.LineNumberKey].(float64)
				if !ok || line <= last {
					return false
				}
				last = line
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
