// Package cancel carries batch cancellation requests. A Token is the
// in-process flag the engine supervisor polls; a Source lets another
// process request cancellation of a run by id.
package cancel

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token is a one-shot cancellation flag. The zero value is ready to use.
type Token struct {
	canceled atomic.Bool
	once     sync.Once
	done     chan struct{}
	mu       sync.Mutex
}

// Cancel sets the flag. It never blocks and may be called repeatedly.
func (t *Token) Cancel() {
	t.canceled.Store(true)
	t.once.Do(func() {
		close(t.doneChan())
	})
}

// Canceled reports whether Cancel was called.
func (t *Token) Canceled() bool {
	return t.canceled.Load()
}

// Done is closed once Cancel is called.
func (t *Token) Done() <-chan struct{} {
	return t.doneChan()
}

func (t *Token) doneChan() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		t.done = make(chan struct{})
	}
	return t.done
}

// Source reports cancellation requests made outside this process.
type Source interface {
	Canceled(ctx context.Context, runID string) (bool, error)
}

// Requester records cancellation requests for a Source to report.
type Requester interface {
	RequestCancel(ctx context.Context, runID string) error
}
