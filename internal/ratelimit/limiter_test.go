package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		budget    int
		window    time.Duration
		wantErr   bool
		errString string
	}{
		{
			name:   "valid budget and window",
			budget: 60,
			window: time.Minute,
		},
		{
			name:   "zero budget disables limiting",
			budget: 0,
			window: 0,
		},
		{
			name:      "negative budget",
			budget:    -1,
			window:    time.Minute,
			wantErr:   true,
			errString: "budget must be non-negative",
		},
		{
			name:      "budget without window",
			budget:    10,
			window:    0,
			wantErr:   true,
			errString: "window must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lim, err := New(tt.budget, tt.window)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, lim)
			} else {
				require.NoError(t, err)
				require.NotNil(t, lim)
			}
		})
	}
}

func TestLimiter_AllowExhaustsBudget(t *testing.T) {
	lim, err := New(3, time.Hour)
	require.NoError(t, err)

	// The full burst is available up front; the window is long enough that
	// nothing refills during the test.
	for i := 0; i < 3; i++ {
		assert.True(t, lim.Allow(), "call %d should be within budget", i+1)
	}
	assert.False(t, lim.Allow(), "budget should be exhausted")
}

func TestLimiter_UnlimitedNeverBlocks(t *testing.T) {
	lim, err := New(0, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 100; i++ {
		require.NoError(t, lim.Wait(ctx))
	}
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	lim, err := New(1, time.Hour)
	require.NoError(t, err)

	// Drain the only token so the next Wait has to block.
	require.True(t, lim.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = lim.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter wait")
}

func TestLimiter_SharedAcrossGoroutines(t *testing.T) {
	lim, err := New(5, time.Hour)
	require.NoError(t, err)

	results := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		go func() {
			results <- lim.Allow()
		}()
	}

	allowed := 0
	for i := 0; i < 20; i++ {
		if <-results {
			allowed++
		}
	}

	assert.Equal(t, 5, allowed, "exactly the budget should be admitted")
}
