package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator_FreezeWaitsForReservedLines(t *testing.T) {
	acc := newAccumulator(2)
	require.True(t, acc.reserve())

	frozen := make(chan struct{})
	go func() {
		acc.freeze()
		close(frozen)
	}()

	select {
	case <-frozen:
		t.Fatal("freeze returned while a reserved line was still being stored")
	case <-time.After(50 * time.Millisecond):
	}

	acc.commit(completedLine(0, "run", map[string]any{"value": 0}))
	select {
	case <-frozen:
	case <-time.After(time.Second):
		t.Fatal("freeze did not return after the reserved line was committed")
	}

	assert.False(t, acc.reserve())
	lines, _ := acc.snapshot()
	assert.Len(t, lines, 1)
}

func TestAccumulator_ReleaseDropsReservation(t *testing.T) {
	acc := newAccumulator(1)
	require.True(t, acc.reserve())
	acc.release()
	acc.freeze()

	lines, _ := acc.snapshot()
	assert.Empty(t, lines)
	assert.False(t, acc.reserve())
}
