package analysis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quantrail/sessionengine/internal/sessiondata"
	"github.com/quantrail/sessionengine/internal/subscription"
	"github.com/quantrail/sessionengine/internal/timeutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStrategy struct {
	mu        sync.Mutex
	interests []Interest
	calls     int
}

func (s *recordingStrategy) Interests() []Interest { return s.interests }

func (s *recordingStrategy) OnReady(ctx context.Context, symbol string, interval timeutil.Interval, sd *sessiondata.SessionData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
}

func (s *recordingStrategy) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestEngineOnlyWakesInterestedStrategy(t *testing.T) {
	sd := sessiondata.New()
	subs := subscription.NewRegistry()
	e := New(sd, subs, zerolog.Nop())

	watchesAAPL := &recordingStrategy{interests: []Interest{{Symbol: "AAPL", Interval: timeutil.Interval5m}}}
	watchesMSFT := &recordingStrategy{interests: []Interest{{Symbol: "MSFT", Interval: timeutil.Interval5m}}}
	e.Register(watchesAAPL)
	e.Register(watchesMSFT)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Notify("AAPL", timeutil.Interval5m)

	require.Eventually(t, func() bool { return watchesAAPL.Calls() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, watchesMSFT.Calls())
}

func TestEngineSignalsSubscriptionOnDispatch(t *testing.T) {
	sd := sessiondata.New()
	subs := subscription.NewRegistry()
	e := New(sd, subs, zerolog.Nop())

	s := &recordingStrategy{interests: []Interest{{Symbol: "AAPL", Interval: timeutil.Interval1m}}}
	e.Register(s)

	// Acquire the slot up front, simulating the Processor having just
	// produced into it; it must stay unready (a second acquire fails)
	// until the Engine dispatches and releases it.
	sub := subs.GetOrCreate("AAPL", "analysis:1m")
	require.NoError(t, sub.WaitUntilReady(context.Background(), subscription.ModeClockDriven, time.Second))
	require.Error(t, sub.WaitUntilReady(context.Background(), subscription.ModeClockDriven, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Notify("AAPL", timeutil.Interval1m)
	require.Eventually(t, func() bool { return s.Calls() == 1 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return sub.WaitUntilReady(context.Background(), subscription.ModeClockDriven, time.Second) == nil
	}, time.Second, time.Millisecond)
}
