package resource

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBudget() Budget {
	return Budget{
		MaxMemoryBytes:        1000,
		MaxConcurrentRequests: 10,
		MaxConnections:        5,
		MaxBandwidthBytes:     1 << 20,
	}
}

func newTestAllocator(scaling ScalingConfig) *Allocator {
	a := NewAllocator(testBudget(), scaling, nil, nil)
	return a
}

func TestAllocateAndRelease(t *testing.T) {
	a := newTestAllocator(ScalingConfig{})
	defer a.Close()

	assert.True(t, a.Allocate(KindMemory, 600))
	assert.True(t, a.Allocate(KindMemory, 400))
	assert.False(t, a.Allocate(KindMemory, 1), "over-budget allocation is denied")

	a.Release(KindMemory, 400)
	assert.True(t, a.Allocate(KindMemory, 300))
	assert.Equal(t, int64(900), a.Usage(KindMemory))
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	a := newTestAllocator(ScalingConfig{})
	defer a.Close()

	a.Release(KindRequests, 5)
	assert.Zero(t, a.Usage(KindRequests))
}

func TestWithResourceBalancesOnEveryPath(t *testing.T) {
	a := newTestAllocator(ScalingConfig{})
	defer a.Close()
	ctx := context.Background()

	t.Run("success path", func(t *testing.T) {
		err := a.WithResource(ctx, KindRequests, 3, func(ctx context.Context) error {
			assert.Equal(t, int64(3), a.Usage(KindRequests))
			return nil
		})
		require.NoError(t, err)
		assert.Zero(t, a.Usage(KindRequests))
	})

	t.Run("error path", func(t *testing.T) {
		wantErr := errors.New("boom")
		err := a.WithResource(ctx, KindRequests, 3, func(ctx context.Context) error {
			return wantErr
		})
		assert.ErrorIs(t, err, wantErr)
		assert.Zero(t, a.Usage(KindRequests))
	})

	t.Run("denied allocation", func(t *testing.T) {
		err := a.WithResource(ctx, KindRequests, 11, func(ctx context.Context) error {
			t.Fatal("must not run when denied")
			return nil
		})
		assert.ErrorIs(t, err, ErrExhausted)
		assert.Zero(t, a.Usage(KindRequests))
	})

	t.Run("many matched pairs", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			_ = a.WithResource(ctx, KindBandwidth, 100, func(ctx context.Context) error {
				if i%3 == 0 {
					return errors.New("sporadic failure")
				}
				return nil
			})
		}
		assert.Zero(t, a.Usage(KindBandwidth))
	})
}

func TestScalingHysteresis(t *testing.T) {
	a := newTestAllocator(ScalingConfig{
		Enabled:               false, // driven manually
		ScaleUpThresholdPct:   80,
		ScaleDownThresholdPct: 30,
		Cooldown:              time.Minute,
		Factor:                1.5,
		MaxFactor:             4,
	})
	defer a.Close()

	require.True(t, a.Allocate(KindRequests, 9)) // 90% of 10

	now := time.Now()

	// One high sample is a spike, not sustained pressure
	a.EvaluateScaling(now)
	assert.Equal(t, ScalingIdle, a.State())
	assert.Equal(t, int64(10), a.BudgetFor(KindRequests))

	// The second consecutive sample triggers exactly one scale-up
	a.EvaluateScaling(now.Add(5 * time.Second))
	assert.Equal(t, ScalingCooldown, a.State())
	assert.Equal(t, int64(15), a.BudgetFor(KindRequests))

	// Pressure drops, but cooldown blocks a back-to-back scale-down
	a.Release(KindRequests, 9)
	a.EvaluateScaling(now.Add(10 * time.Second))
	a.EvaluateScaling(now.Add(15 * time.Second))
	assert.Equal(t, int64(15), a.BudgetFor(KindRequests))

	// After cooldown, two sustained low samples scale back down
	a.EvaluateScaling(now.Add(90 * time.Second))
	a.EvaluateScaling(now.Add(95 * time.Second))
	assert.Equal(t, int64(10), a.BudgetFor(KindRequests))

	stats := a.GetStats()
	assert.EqualValues(t, 2, stats.ScaleEvents)
}

func TestScalingNeverBelowOriginal(t *testing.T) {
	a := newTestAllocator(ScalingConfig{
		ScaleUpThresholdPct:   80,
		ScaleDownThresholdPct: 30,
		Cooldown:              time.Millisecond,
		Factor:                1.5,
		MaxFactor:             4,
	})
	defer a.Close()

	// Idle budgets never shrink below the configured values
	now := time.Now()
	for i := 0; i < 10; i++ {
		a.EvaluateScaling(now.Add(time.Duration(i) * time.Second))
	}
	assert.Equal(t, int64(1000), a.BudgetFor(KindMemory))
	assert.Equal(t, ScalingIdle, a.State())
}

func TestScalingCapsAtMaxFactor(t *testing.T) {
	a := newTestAllocator(ScalingConfig{
		ScaleUpThresholdPct:   80,
		ScaleDownThresholdPct: 30,
		Cooldown:              time.Millisecond,
		Factor:                3,
		MaxFactor:             4,
	})
	defer a.Close()

	now := time.Now()
	for cycle := 0; cycle < 5; cycle++ {
		// Keep pressure above threshold against the growing budget
		target := a.BudgetFor(KindRequests)
		have := a.Usage(KindRequests)
		if want := target - target/10; want > have {
			require.True(t, a.Allocate(KindRequests, want-have))
		}
		base := now.Add(time.Duration(cycle) * 10 * time.Second)
		a.EvaluateScaling(base)
		a.EvaluateScaling(base.Add(time.Second))
		// Let cooldown elapse before the next cycle
		a.EvaluateScaling(base.Add(5 * time.Second))
	}
	assert.LessOrEqual(t, a.BudgetFor(KindRequests), int64(40), "budget never exceeds original x MaxFactor")
}

func TestThrottle(t *testing.T) {
	a := newTestAllocator(ScalingConfig{ScaleUpThresholdPct: 80, ScaleDownThresholdPct: 30})
	defer a.Close()

	assert.False(t, a.ShouldThrottle())
	assert.Zero(t, a.ThrottleDelay())

	require.True(t, a.Allocate(KindConnections, 5)) // 100% of 5
	assert.True(t, a.ShouldThrottle())
	assert.Greater(t, a.ThrottleDelay(), time.Duration(0))
}
