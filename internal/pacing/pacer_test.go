package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacerSpacesRequests(t *testing.T) {
	t.Parallel()

	p := NewPacer(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx)) // first token is free

	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestPacerZeroIntervalNeverBlocks(t *testing.T) {
	t.Parallel()

	p := NewPacer(0)
	ctx := context.Background()
	start := time.Now()
	for range 10 {
		require.NoError(t, p.Wait(ctx))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPacerHonorsContext(t *testing.T) {
	t.Parallel()

	p := NewPacer(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Wait(ctx))

	cancel()
	require.Error(t, p.Wait(ctx))
}

func TestTimerSleeperHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	TimerSleeper{}.Sleep(ctx, 5*time.Second)
	require.Less(t, time.Since(start), time.Second, "sleep should exit immediately when context is done")
}
