package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelayFirstAttemptIsImmediate(t *testing.T) {
	s := NewScheduler(-1, 100*time.Millisecond, time.Second, 2)
	d, ok := s.NextDelay()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)
}

func TestNextDelayGrowsExponentially(t *testing.T) {
	s := NewScheduler(-1, 100*time.Millisecond, 10*time.Second, 2)

	d, ok := s.NextDelay() // attempt 0
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	d, ok = s.NextDelay() // attempt 1
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d)

	d, ok = s.NextDelay() // attempt 2
	require.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, d)

	d, ok = s.NextDelay() // attempt 3
	require.True(t, ok)
	assert.Equal(t, 400*time.Millisecond, d)
}

func TestNextDelayCapsAtMaxDelay(t *testing.T) {
	s := NewScheduler(-1, 100*time.Millisecond, 250*time.Millisecond, 2)
	s.NextDelay() // 0
	s.NextDelay() // 100ms
	d, ok := s.NextDelay() // would be 200ms, still under cap
	require.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, d)

	d, ok = s.NextDelay() // would be 400ms, capped to 250ms
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestNextDelayExhaustsAtMaxRetries(t *testing.T) {
	s := NewScheduler(2, 10*time.Millisecond, time.Second, 2)

	_, ok := s.NextDelay()
	require.True(t, ok)
	_, ok = s.NextDelay()
	require.True(t, ok)
	assert.False(t, s.Exhausted())

	_, ok = s.NextDelay()
	assert.False(t, ok)
	assert.True(t, s.Exhausted())
}

func TestNegativeMaxRetriesNeverExhausts(t *testing.T) {
	s := NewScheduler(-1, time.Millisecond, time.Millisecond, 2)
	for i := 0; i < 50; i++ {
		_, ok := s.NextDelay()
		require.True(t, ok)
	}
	assert.False(t, s.Exhausted())
}

func TestResetClearsAttemptAndExhaustion(t *testing.T) {
	s := NewScheduler(1, 10*time.Millisecond, time.Second, 2)
	s.NextDelay()
	_, ok := s.NextDelay()
	require.False(t, ok)
	require.True(t, s.Exhausted())

	s.Reset()
	assert.False(t, s.Exhausted())
	d, ok := s.NextDelay()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d, "after Reset the first delay is immediate again")
}

func TestNonPositiveMultiplierDefaultsToTwo(t *testing.T) {
	s := NewScheduler(-1, 50*time.Millisecond, time.Second, 0)
	assert.Equal(t, 2.0, s.Multiplier)
}
