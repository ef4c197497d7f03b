// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package scoring

import (
	"math"
	"testing"
)

func TestMedian(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{5}, 5},
		{"odd count", []float64{3, 1, 2}, 2},
		{"even count interpolates", []float64{1, 2, 3, 4}, 2.5},
		{"unsorted", []float64{9, 1, 8, 2, 5}, 5},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Median(tt.values); got != tt.want {
				t.Errorf("Median(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4, 5}
	if got := Percentile(values, 0); got != 1 {
		t.Errorf("P0 = %v, want 1", got)
	}
	if got := Percentile(values, 100); got != 5 {
		t.Errorf("P100 = %v, want 5", got)
	}
	if got := Percentile(values, 25); got != 2 {
		t.Errorf("P25 = %v, want 2", got)
	}
	// Interpolated rank: P60 of 5 values is rank 2.4.
	if got := Percentile(values, 60); math.Abs(got-3.4) > 1e-9 {
		t.Errorf("P60 = %v, want 3.4", got)
	}
}

func TestIQR(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4, 5}
	if got := IQR(values); got != 2 {
		t.Errorf("IQR = %v, want 2", got)
	}
	if got := IQR(nil); got != 0 {
		t.Errorf("IQR(nil) = %v, want 0", got)
	}
}

func TestMeanStd(t *testing.T) {
	t.Parallel()

	mean, std := MeanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 {
		t.Errorf("mean = %v, want 5", mean)
	}
	if std != 2 {
		t.Errorf("std = %v, want 2", std)
	}

	mean, std = MeanStd(nil)
	if mean != 0 || std != 0 {
		t.Errorf("empty: got (%v, %v), want (0, 0)", mean, std)
	}
}

func TestFilterOutliersZScore(t *testing.T) {
	t.Parallel()

	// One extreme point among tight values.
	values := []float64{10, 10.2, 9.8, 10.1, 9.9, 10, 10.1, 9.9, 50}
	kept, removed := FilterOutliersZScore(values, 2.5)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	for _, v := range kept {
		if v == 50 {
			t.Error("outlier 50 survived filtering")
		}
	}

	// Fewer than three values always kept.
	kept, removed = FilterOutliersZScore([]float64{1, 1000}, 1)
	if removed != 0 || len(kept) != 2 {
		t.Errorf("small input: kept %d removed %d, want 2/0", len(kept), removed)
	}

	// Zero spread keeps everything.
	kept, removed = FilterOutliersZScore([]float64{3, 3, 3, 3}, 1)
	if removed != 0 || len(kept) != 4 {
		t.Errorf("flat input: kept %d removed %d, want 4/0", len(kept), removed)
	}
}

func TestHuberSlope(t *testing.T) {
	t.Parallel()

	// Perfect line: slope 2.
	line := []float64{1, 3, 5, 7, 9, 11}
	if got := HuberSlope(line, 0); math.Abs(got-2) > 1e-9 {
		t.Errorf("slope = %v, want 2", got)
	}

	// Flat series.
	flat := []float64{4, 4, 4, 4, 4}
	if got := HuberSlope(flat, 0); math.Abs(got) > 1e-9 {
		t.Errorf("flat slope = %v, want 0", got)
	}

	// One wild point barely moves the robust fit compared to OLS.
	contaminated := []float64{1, 3, 5, 7, 100, 11, 13, 15, 17, 19}
	huber := HuberSlope(contaminated, 0)
	ols, _ := olsFit(contaminated)
	if math.Abs(huber-2) > math.Abs(ols-2) {
		t.Errorf("huber slope %v is further from 2 than OLS %v", huber, ols)
	}

	if got := HuberSlope([]float64{7}, 0); got != 0 {
		t.Errorf("single point slope = %v, want 0", got)
	}
}
