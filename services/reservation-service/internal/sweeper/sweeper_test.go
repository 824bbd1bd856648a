package sweeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingLifecycle struct {
	sweeps int64
}

func (c *countingLifecycle) SweepExpired(ctx context.Context) (int, error) {
	atomic.AddInt64(&c.sweeps, 1)
	return 0, nil
}

func TestRunSweepsOnCadence(t *testing.T) {
	lc := &countingLifecycle{}
	s := New(lc, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&lc.sweeps) >= 2
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
