// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package telemetry

import "math"

// calibrationBins is the number of equal-width probability bins.
const calibrationBins = 10

// brierPlaces is the decimal precision the mean Brier score is reported
// at, so decimal predictions yield decimal scores (0.04, not
// 0.039999999999999994).
const brierPlaces = 10

// CalibrationBin summarizes labelled entries whose predicted relevance
// falls in one probability bin.
type CalibrationBin struct {
	Lower         float64 `json:"lower"`
	Upper         float64 `json:"upper"`
	Count         int     `json:"count"`
	PredictedMean float64 `json:"predicted_mean"`
	ActualMean    float64 `json:"actual_mean"`
}

// CalibrationMetrics is the calibration summary over labelled entries:
// ten equal-width bins plus the mean Brier score.
type CalibrationMetrics struct {
	Bins         []CalibrationBin `json:"bins"`
	BrierScore   float64          `json:"brier_score"`
	SampleCount  int              `json:"sample_count"`
	TotalEntries int              `json:"total_entries"`
}

// ComputeCalibrationMetrics bins labelled entries by predicted
// relevance and computes the mean Brier score. Unlabelled entries are
// counted in TotalEntries but contribute to neither bins nor Brier.
func ComputeCalibrationMetrics(entries []Entry) CalibrationMetrics {
	out := CalibrationMetrics{
		Bins:         make([]CalibrationBin, calibrationBins),
		TotalEntries: len(entries),
	}
	width := 1.0 / float64(calibrationBins)
	for i := range out.Bins {
		out.Bins[i].Lower = float64(i) * width
		out.Bins[i].Upper = float64(i+1) * width
	}

	predictedSums := make([]float64, calibrationBins)
	actualSums := make([]float64, calibrationBins)
	brierSum := 0.0

	for i := range entries {
		e := &entries[i]
		if !e.Labelled() {
			continue
		}
		p := e.PredictedRelevance
		if p < 0 {
			p = 0
		} else if p > 1 {
			p = 1
		}
		actual := 0.0
		if *e.Feedback.Relevant {
			actual = 1.0
		}

		bin := int(p / width)
		if bin >= calibrationBins {
			bin = calibrationBins - 1
		}
		out.Bins[bin].Count++
		predictedSums[bin] += p
		actualSums[bin] += actual

		diff := p - actual
		brierSum += diff * diff
		out.SampleCount++
	}

	for i := range out.Bins {
		if out.Bins[i].Count > 0 {
			n := float64(out.Bins[i].Count)
			out.Bins[i].PredictedMean = predictedSums[i] / n
			out.Bins[i].ActualMean = actualSums[i] / n
		}
	}
	if out.SampleCount > 0 {
		out.BrierScore = roundTo(brierSum/float64(out.SampleCount), brierPlaces)
	}
	return out
}

// roundTo rounds v to the given number of decimal places.
func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
