// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package detection

import (
	"fmt"
	"math"
)

// minPhaseSamples is the minimum pre and post phase length for a Tau-U
// evaluation to be meaningful.
const minPhaseSamples = 4

// ComputeTauU calculates the Tau-U non-overlap effect size between a pre
// phase and a post phase, adjusted for ties and for pre-phase trend.
//
// S is the pairwise dominance sum between phases (ties contribute 0);
// the pre-phase monotonic trend sum is subtracted before normalizing by
// the number of cross-phase pairs. The p-value is a closed-form normal
// approximation from the Mann-Whitney S variance, not a permutation
// test.
func ComputeTauU(pre, post []float64) (*TauUResult, error) {
	nA, nB := len(pre), len(post)
	if nA < minPhaseSamples || nB < minPhaseSamples {
		return nil, fmt.Errorf("tau-u: need at least %d samples per phase, got %d pre / %d post",
			minPhaseSamples, nA, nB)
	}

	// Cross-phase dominance.
	var s float64
	var greater, ties int
	for _, a := range pre {
		for _, b := range post {
			switch {
			case b > a:
				s++
				greater++
			case b < a:
				s--
			default:
				ties++
			}
		}
	}

	// Pre-phase trend sum, subtracted so baseline drift does not inflate
	// the effect.
	var trend float64
	for i := 0; i < nA; i++ {
		for j := i + 1; j < nA; j++ {
			switch {
			case pre[j] > pre[i]:
				trend++
			case pre[j] < pre[i]:
				trend--
			}
		}
	}

	pairs := float64(nA * nB)
	tau := (s - trend) / pairs
	tau = math.Max(-1, math.Min(1, tau))

	// Normal approximation for the dominance sum.
	variance := pairs * float64(nA+nB+1) / 3.0
	z := (s - trend) / math.Sqrt(variance)
	p := 2 * (1 - normalCDF(math.Abs(z)))

	improvement := (float64(greater) + 0.5*float64(ties)) / pairs

	return &TauUResult{
		TauU:                   tau,
		PValue:                 p,
		ImprovementProbability: improvement,
		PrePhaseCount:          nA,
		PostPhaseCount:         nB,
		Recommendations:        tauRecommendations(tau, p),
	}, nil
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

// tauRecommendations maps an effect size and approximate p-value to
// structured next-step suggestions for the reviewer.
func tauRecommendations(tau, p float64) []string {
	abs := math.Abs(tau)
	var recs []string

	switch {
	case abs >= 0.8:
		recs = append(recs, "large effect: maintain the current intervention")
	case abs >= 0.6:
		recs = append(recs, "moderate effect: continue and re-evaluate next period")
	case abs >= 0.2:
		recs = append(recs, "small effect: consider adjusting intervention intensity")
	default:
		recs = append(recs, "negligible effect: review intervention fit")
	}

	if tau < 0 {
		recs = append(recs, "post-phase values trend below pre-phase: verify the metric's improvement direction")
	}
	if p > 0.05 {
		recs = append(recs, "effect is not statistically reliable yet: collect more post-phase data")
	}
	return recs
}
