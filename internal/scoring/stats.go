// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package scoring

import (
	"math"
	"sort"
)

// Median returns the median of values, or 0 for an empty slice.
// NaN values must be filtered by the caller (observation.FiniteValues).
func Median(values []float64) float64 {
	return Percentile(values, 50)
}

// Percentile returns the p-th percentile (0-100) using linear
// interpolation between closest ranks. Returns 0 for an empty slice.
func Percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n == 1 {
		return sorted[0]
	}
	rank := (p / 100.0) * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// IQR returns the interquartile range (P75 - P25).
func IQR(values []float64) float64 {
	return Percentile(values, 75) - Percentile(values, 25)
}

// MeanStd returns the mean and population standard deviation.
// Returns (0, 0) for an empty slice.
func MeanStd(values []float64) (mean, std float64) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(n)

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	std = math.Sqrt(sq / float64(n))
	return mean, std
}

// FilterOutliersZScore removes values whose z-score exceeds maxZ and
// returns the kept values plus the number removed. With fewer than three
// values or zero spread, all values are kept.
func FilterOutliersZScore(values []float64, maxZ float64) (kept []float64, removed int) {
	if len(values) < 3 {
		return values, 0
	}
	mean, std := MeanStd(values)
	if std == 0 {
		return values, 0
	}
	kept = make([]float64, 0, len(values))
	for _, v := range values {
		if math.Abs(v-mean)/std <= maxZ {
			kept = append(kept, v)
		} else {
			removed++
		}
	}
	return kept, removed
}

// HuberSlope fits a robust linear trend (value per index step) using
// iteratively reweighted least squares with a Huber loss. Indices are the
// x-axis, so callers should pass evenly spaced series. Returns 0 for
// fewer than two points.
func HuberSlope(values []float64, delta float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	if delta <= 0 {
		delta = 1.345 // standard Huber tuning constant
	}

	// Start from the OLS fit, then reweight residuals.
	slope, intercept := olsFit(values)
	weights := make([]float64, n)

	const iterations = 10
	for iter := 0; iter < iterations; iter++ {
		for i, v := range values {
			r := math.Abs(v - (slope*float64(i) + intercept))
			if r <= delta {
				weights[i] = 1
			} else {
				weights[i] = delta / r
			}
		}
		newSlope, newIntercept, ok := weightedFit(values, weights)
		if !ok {
			break
		}
		if math.Abs(newSlope-slope) < 1e-12 {
			slope, intercept = newSlope, newIntercept
			break
		}
		slope, intercept = newSlope, newIntercept
	}
	return slope
}

// olsFit returns the ordinary least squares slope and intercept of values
// against their indices.
func olsFit(values []float64) (slope, intercept float64) {
	uniform := make([]float64, len(values))
	for i := range uniform {
		uniform[i] = 1
	}
	slope, intercept, _ = weightedFit(values, uniform)
	return slope, intercept
}

// weightedFit solves the weighted least squares line. ok is false when
// the system is degenerate (all weight on one x position).
func weightedFit(values, weights []float64) (slope, intercept float64, ok bool) {
	var sw, swx, swy, swxx, swxy float64
	for i, v := range values {
		w := weights[i]
		x := float64(i)
		sw += w
		swx += w * x
		swy += w * v
		swxx += w * x * x
		swxy += w * x * v
	}
	denom := sw*swxx - swx*swx
	if math.Abs(denom) < 1e-12 {
		return 0, 0, false
	}
	slope = (sw*swxy - swx*swy) / denom
	intercept = (swy - slope*swx) / sw
	return slope, intercept, true
}
