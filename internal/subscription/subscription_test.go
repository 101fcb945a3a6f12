package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataDrivenWaitBlocksUntilSignal(t *testing.T) {
	s := New("AAPL", "1m")
	require.NoError(t, s.WaitUntilReady(context.Background(), ModeDataDriven, time.Second))

	done := make(chan error, 1)
	go func() {
		done <- s.WaitUntilReady(context.Background(), ModeDataDriven, time.Second)
	}()

	select {
	case <-done:
		t.Fatal("wait must block before SignalReady")
	case <-time.After(20 * time.Millisecond):
	}

	s.SignalReady()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not unblock after SignalReady")
	}
}

func TestSignalReadyIdempotent(t *testing.T) {
	s := New("AAPL", "1m")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.SignalReady()
		}()
	}
	wg.Wait()

	// Exactly one slot is free no matter how many concurrent signals
	// landed: a second acquire must fail under clock-driven mode.
	require.NoError(t, s.WaitUntilReady(context.Background(), ModeClockDriven, time.Second))
	err := s.WaitUntilReady(context.Background(), ModeClockDriven, time.Second)
	require.Error(t, err)
}

func TestDataDrivenWaitTimesOut(t *testing.T) {
	s := New("AAPL", "1m")
	require.NoError(t, s.WaitUntilReady(context.Background(), ModeDataDriven, time.Second))

	start := time.Now()
	err := s.WaitUntilReady(context.Background(), ModeDataDriven, 10*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClockDrivenWaitFailsImmediatelyWhenNotReady(t *testing.T) {
	s := New("AAPL", "1m")
	require.NoError(t, s.WaitUntilReady(context.Background(), ModeClockDriven, time.Second))

	start := time.Now()
	err := s.WaitUntilReady(context.Background(), ModeClockDriven, time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestClockDrivenWaitSucceedsWhenReady(t *testing.T) {
	s := New("AAPL", "1m")
	require.NoError(t, s.WaitUntilReady(context.Background(), ModeClockDriven, time.Second))
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, ModeDataDriven, ModeFor(false, 0))
	assert.Equal(t, ModeClockDriven, ModeFor(false, 1000))
	assert.Equal(t, ModeClockDriven, ModeFor(true, 0))
}

func TestRegistryGetOrCreateReturnsSameInstance(t *testing.T) {
	r := NewRegistry()
	s1 := r.GetOrCreate("AAPL", "1m")
	s2 := r.GetOrCreate("AAPL", "1m")
	assert.Same(t, s1, s2)
}

func TestRegistryRemoveSymbol(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("AAPL", "1m")
	r.GetOrCreate("AAPL", "5m")
	r.GetOrCreate("MSFT", "1m")

	r.RemoveSymbol("AAPL")

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Len(t, r.subs, 1)
}
