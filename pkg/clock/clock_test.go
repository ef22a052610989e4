package clock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victoralfred/execution-engine/pkg/clock"
)

func TestSimulated_SleepAdvances(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	c := clock.NewSimulated(start)

	require.NoError(t, c.Sleep(context.Background(), 30*time.Second))
	assert.Equal(t, start.Add(30*time.Second), c.Now())

	c.Advance(-time.Second)
	assert.Equal(t, start.Add(30*time.Second), c.Now())
}

func TestSimulated_SleepHonoursCancelledContext(t *testing.T) {
	c := clock.NewSimulated(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, time.Unix(0, 0), c.Now())
}

func TestReal_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := clock.Real{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
