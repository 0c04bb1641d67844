package keepalive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoldRelease(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_inflight"})
	tr := New(gauge)

	r1 := tr.Hold()
	r2 := tr.Hold()
	assert.Equal(t, 2, tr.Count())
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge))

	r1()
	r1()
	assert.Equal(t, 1, tr.Count())

	r2()
	assert.Equal(t, 0, tr.Count())
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))
}

func TestHoldConcurrent(t *testing.T) {
	tr := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := tr.Hold()
			defer release()
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, tr.Count())
}

func TestWaitIdle(t *testing.T) {
	t.Run("returns after timeout when idle", func(t *testing.T) {
		tr := New(nil)
		start := time.Now()
		require.NoError(t, tr.WaitIdle(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("waits for holds to be released", func(t *testing.T) {
		tr := New(nil)
		release := tr.Hold()

		done := make(chan error, 1)
		go func() { done <- tr.WaitIdle(context.Background(), 10*time.Millisecond) }()

		select {
		case <-done:
			t.Fatal("WaitIdle returned while a hold was active")
		case <-time.After(50 * time.Millisecond):
		}

		release()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("WaitIdle did not return after release")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		tr := New(nil)
		_ = tr.Hold()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, tr.WaitIdle(ctx, time.Hour), context.Canceled)
	})
}
