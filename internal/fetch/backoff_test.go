package fetch

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestPolicy_Attempts(t *testing.T) {
	assert.Equal(t, 1, Policy{}.Attempts())
	assert.Equal(t, 1, Policy{MaxRetries: -3}.Attempts())
	assert.Equal(t, 3, Policy{MaxRetries: 3}.Attempts())
}

func TestPolicy_DelaySchedule(t *testing.T) {
	p := Policy{MaxRetries: 6, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Duration(0), p.Delay(1, "u"), "first attempt never waits")
	assert.Equal(t, 1*time.Second, p.Delay(2, "u"))
	assert.Equal(t, 2*time.Second, p.Delay(3, "u"))
	assert.Equal(t, 4*time.Second, p.Delay(4, "u"))
	assert.Equal(t, 5*time.Second, p.Delay(5, "u"), "capped")
	assert.Equal(t, 5*time.Second, p.Delay(60, "u"), "large attempts stay capped")
}

func TestPolicy_JitterIsDeterministic(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: true}
	assert.Equal(t, p.Delay(3, "https://example.org/a"), p.Delay(3, "https://example.org/a"))
}

func TestPolicy_ZeroBaseNeverWaits(t *testing.T) {
	p := Policy{MaxRetries: 3}
	assert.Equal(t, time.Duration(0), p.Delay(3, "u"))
}

func TestPolicy_DelayProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	baseGen := gen.Int64Range(1, 5000).Map(func(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond })
	capGen := gen.Int64Range(1, 120).Map(func(s int64) time.Duration { return time.Duration(s) * time.Second })
	attemptGen := gen.IntRange(2, 64)

	properties.Property("delay is non-decreasing in the attempt number", prop.ForAll(
		func(base, max time.Duration, n int) bool {
			p := Policy{BaseDelay: base, MaxDelay: max}
			return p.Delay(n+1, "k") >= p.Delay(n, "k")
		},
		baseGen, capGen, attemptGen,
	))

	properties.Property("delay never exceeds the cap once the base is below it", prop.ForAll(
		func(base, max time.Duration, n int) bool {
			if base > max {
				return true
			}
			p := Policy{BaseDelay: base, MaxDelay: max}
			return p.Delay(n, "k") <= max
		},
		baseGen, capGen, attemptGen,
	))

	properties.Property("uncapped delay doubles per attempt", prop.ForAll(
		func(base time.Duration, n int) bool {
			p := Policy{BaseDelay: base, MaxDelay: time.Duration(1) << 62}
			if n > 20 {
				return true
			}
			return p.Delay(n, "k") == base*time.Duration(int64(1)<<(n-2))
		},
		baseGen, attemptGen,
	))

	properties.Property("jittered delay lies within [d/2, d]", prop.ForAll(
		func(base, max time.Duration, n int, key string) bool {
			plain := Policy{BaseDelay: base, MaxDelay: max}
			jittered := plain
			jittered.Jitter = true
			d := plain.Delay(n, key)
			j := jittered.Delay(n, key)
			return j >= d/2 && j <= d
		},
		baseGen, capGen, attemptGen, gen.AlphaString(),
	))

	properties.TestingRun(t)
}
