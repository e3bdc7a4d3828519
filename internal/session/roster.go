package session

import (
	"math/rand"

	"clinic-sim-engine/internal/patient"
)

// returningChance is the probability that the next case continues an existing
// roster member instead of introducing a fresh one.
const returningChance = 0.4

// pickReturning draws the continuation candidate for the next case: with a
// non-empty roster there is a returningChance probability of a uniform random
// member, otherwise (and always for an empty roster) nil for a fresh case.
// Pure function of the roster snapshot and the random source; no memory of
// prior draws.
func pickReturning(rng *rand.Rand, panel []patient.Patient) *patient.Patient {
	if len(panel) == 0 {
		return nil
	}
	if rng.Float64() >= returningChance {
		return nil
	}
	chosen := panel[rng.Intn(len(panel))]
	return &chosen
}
