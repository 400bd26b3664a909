package stream_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Whatever order and multiplicity positions arrive in, the handler sees
// every position exactly once, ascending and without gaps.
func TestProperty_PerStreamOrdering(t *testing.T) {
	const positions = 8

	f := newFixture(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("delivery is ascending and gap-free", prop.ForAll(
		func(generated []int) bool {
			f.handler.positions = nil
			streamID := uuid.New()

			arrivals := append([]int(nil), generated...)
			for i := 0; i < positions; i++ {
				arrivals = append(arrivals, i)
			}
			for _, position := range arrivals {
				if _, err := f.accept(t, streamID, int64(position)); err != nil {
					return false
				}
				for i, delivered := range f.handler.positions {
					if delivered != int64(i) {
						return false
					}
				}
			}
			return len(f.handler.positions) == positions
		},
		gen.SliceOf(gen.IntRange(0, positions-1)),
	))

	properties.TestingRun(t)
}
