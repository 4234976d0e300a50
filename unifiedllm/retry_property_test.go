package unifiedllm

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestPropertyBackoffWindow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay lies in [base*2^k, base*2^k + 1s)", prop.ForAll(
		func(attempt int, base, jitter float64) bool {
			policy := RetryPolicy{BaseDelay: base, Jitter: true, rand: func() float64 { return jitter }}
			floor := policy
			floor.Jitter = false

			lo := floor.Delay(attempt)
			got := policy.Delay(attempt)
			return got >= lo && got < lo+time.Second
		},
		gen.IntRange(0, 6),
		gen.Float64Range(0, 4),
		gen.Float64Range(0, 0.999),
	))

	properties.Property("delay doubles with each attempt", prop.ForAll(
		func(attempt int, base float64) bool {
			policy := RetryPolicy{BaseDelay: base}
			a, b := policy.Delay(attempt), policy.Delay(attempt+1)
			diff := b - 2*a
			return diff >= -time.Microsecond && diff <= time.Microsecond
		},
		gen.IntRange(0, 6),
		gen.Float64Range(0, 4),
	))

	properties.TestingRun(t)
}
