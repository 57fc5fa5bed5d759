package model

import (
	"math"
	"testing"
)

func sumHours(batches []Batch) float64 {
	var total float64
	for _, b := range batches {
		total += b.WorkHours
	}
	return total
}

func TestCalculateBatchesSmallWorkload(t *testing.T) {
	batches := CalculateBatches(100, CompatLine1Only)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if batches[0].WorkHours != 100 {
		t.Errorf("expected 100 hours, got %f", batches[0].WorkHours)
	}
	if batches[0].Compatibility != CompatLine1Only {
		t.Errorf("expected Line1 compatibility, got %s", batches[0].Compatibility)
	}
}

func TestCalculateBatchesJustBelowCeiling(t *testing.T) {
	batches := CalculateBatches(179.5, CompatBoth)
	if len(batches) != 1 {
		t.Fatalf("expected a single batch below the 180h ceiling, got %d", len(batches))
	}
}

func TestCalculateBatchesSplitsIntoWeeks(t *testing.T) {
	batches := CalculateBatches(400, CompatLine2Only)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if batches[0].WorkHours != 168 || batches[1].WorkHours != 168 {
		t.Errorf("expected two full weeks, got %v", batches)
	}
	if math.Abs(batches[2].WorkHours-64) > 1e-9 {
		t.Errorf("expected remainder of 64h, got %f", batches[2].WorkHours)
	}
}

func TestCalculateBatchesExactWeeksHasNoRemainder(t *testing.T) {
	batches := CalculateBatches(336, CompatBoth)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
}

func TestCalculateBatchesConservesWorkload(t *testing.T) {
	for _, w := range []float64{0, 1, 167.9, 168, 180, 181, 500, 1000.25, 5040} {
		batches := CalculateBatches(w, CompatBoth)
		if got := sumHours(batches); math.Abs(got-w) > 1e-9 {
			t.Errorf("w=%g: batches sum to %g", w, got)
		}
		full := 0
		for _, b := range batches {
			if b.WorkHours > BatchHoursLimit {
				t.Errorf("w=%g: batch of %gh exceeds the ceiling", w, b.WorkHours)
			}
			if b.WorkHours >= HoursPerWeek {
				full++
			}
		}
		if w >= BatchHoursLimit && full != int(math.Floor(w/HoursPerWeek)) {
			t.Errorf("w=%g: expected %d full batches, got %d", w, int(w/HoursPerWeek), full)
		}
	}
}

func TestCalculateBatchesNegative(t *testing.T) {
	if batches := CalculateBatches(-5, CompatBoth); len(batches) != 0 {
		t.Errorf("expected no batches for negative workload, got %d", len(batches))
	}
}

func TestCalculateBatchesSized(t *testing.T) {
	// 5 day batches: 120h nominal, 132h ceiling
	batches := CalculateBatchesSized(300, CompatBoth, 5)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if batches[0].WorkHours != 120 {
		t.Errorf("expected 120h batches, got %f", batches[0].WorkHours)
	}
	if math.Abs(sumHours(batches)-300) > 1e-9 {
		t.Errorf("expected 300h total, got %f", sumHours(batches))
	}
}

func TestCableCompatibility(t *testing.T) {
	if CableCompatibility(220, 150) != CompatBoth {
		t.Error("expected 220kV/150mm² to fit both lines")
	}
	if CableCompatibility(220, 185) != CompatLine2Only {
		t.Error("expected large cross sections to be restricted to line 2")
	}
	if CableCompatibility(700, 100) != CompatLine2Only {
		t.Error("expected high voltage to be restricted to line 2")
	}
}

func TestCalculateCableBatchesShortCable(t *testing.T) {
	batches := CalculateCableBatches(1000, 220, 1000)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch for a short cable, got %d", len(batches))
	}
	if batches[0].WorkHours <= 0 {
		t.Error("expected positive work hours")
	}
	if batches[0].Compatibility != CompatLine2Only {
		t.Errorf("expected Line2, got %s", batches[0].Compatibility)
	}
}

func TestCalculateCableBatchesLongCableSplits(t *testing.T) {
	short := CalculateCableBatches(1000, 220, 1000)
	rate := short[0].WorkHours / 1000 // hours per metre

	long := CalculateCableBatches(60000, 220, 1000)
	if len(long) < 2 {
		t.Fatalf("expected a long cable to be split, got %d batches", len(long))
	}
	if got := sumHours(long); math.Abs(got-60000*rate) > 1e-6 {
		t.Errorf("expected %f total hours, got %f", 60000*rate, got)
	}
	for i := 1; i < len(long)-1; i++ {
		if long[i].WorkHours != long[0].WorkHours {
			t.Errorf("expected equal full batches, got %v", long)
		}
	}
}

func TestNearest(t *testing.T) {
	if got := nearest(voltageLevels, insulationThickness, 230); got != 18 {
		t.Errorf("expected 18mm wall for 230kV, got %g", got)
	}
	if got := nearest(conductorAreas, conductorDiameters, 10); got != 17.3 {
		t.Errorf("expected smallest diameter for tiny area, got %g", got)
	}
}
