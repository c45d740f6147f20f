package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	tests := []struct {
		name   string
		mutate func(p *Policy)
	}{
		{"base above max", func(p *Policy) { p.BaseDelay = p.MaxDelay + 1 }},
		{"multiplier of one", func(p *Policy) { p.BackoffMultiplier = 1 }},
		{"negative jitter", func(p *Policy) { p.JitterFactor = -0.1 }},
		{"jitter above one", func(p *Policy) { p.JitterFactor = 1.5 }},
		{"negative base", func(p *Policy) { p.BaseDelay = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)
		})
	}
}

func TestDelayIsMonotonicUntilCap(t *testing.T) {
	p := Policy{
		MaxRetries:        10,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2,
	}

	var (
		prev   time.Duration
		capped bool
	)

	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt, 0)
		if capped {
			assert.Equal(t, p.MaxDelay, d, "attempt %d", attempt)
			continue
		}

		assert.Greater(t, d, prev, "attempt %d", attempt)
		if d == p.MaxDelay {
			capped = true
		}
		prev = d
	}

	assert.True(t, capped)
}

func TestDelayNeverExceedsCap(t *testing.T) {
	p := Policy{
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 3,
		JitterFactor:      1,
	}

	for attempt := 1; attempt <= 20; attempt++ {
		for _, draw := range []float64{0, 0.25, 0.5, 0.75, 0.999999} {
			assert.LessOrEqual(t, p.Delay(attempt, draw), p.MaxDelay)
		}
	}
}

func TestDelayAppliesJitterBeforeCap(t *testing.T) {
	p := Policy{
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.5,
	}

	assert.Equal(t, 1500*time.Millisecond, p.Delay(1, 1))
	assert.Equal(t, 2*time.Second, p.Delay(2, 0))
	// 8s raw plus 4s jitter is clamped.
	assert.Equal(t, 10*time.Second, p.Delay(4, 1))
}

func TestDelayExampleScenario(t *testing.T) {
	p := Policy{
		MaxRetries:        3,
		BaseDelay:         1000 * time.Millisecond,
		MaxDelay:          10000 * time.Millisecond,
		BackoffMultiplier: 2,
	}

	assert.Equal(t, 1000*time.Millisecond, p.Delay(1, 0.7))
	assert.Equal(t, 2000*time.Millisecond, p.Delay(2, 0.7))
}
