package model

import "math"

const (
	// HoursPerWeek is the nominal length of a full batch.
	HoursPerWeek = 168.0
	// BatchHoursLimit is the longest batch that is not split (7.5 days).
	BatchHoursLimit = 7.5 * 24

	// insulationDensity is the density of the insulation compound in kg/m³.
	insulationDensity = 922.0
	// batchMass is the insulation mass (kg) processed in one nominal batch.
	batchMass = 45000.0
)

// Conductor cross sections (mm²) and their outer diameters (mm).
var (
	conductorAreas = []float64{
		150, 200, 250, 300, 350, 400, 450, 500, 550, 600, 650, 700, 750, 800, 850,
		900, 950, 1000, 1050, 1100, 1150, 1200, 1250, 1300, 1350, 1400, 1450, 1500,
		1550, 1600, 1650, 1700, 1750, 1800, 1850, 1900, 1950, 2000, 2050, 2100,
		2150, 2200, 2250, 2300, 2350, 2400, 2450, 2500,
	}
	conductorDiameters = []float64{
		17.3, 19.3, 21.2, 23.1, 25.0, 26.7, 28.4, 30.1, 31.7, 33.3, 34.8, 36.2,
		37.6, 39.0, 40.3, 41.5, 42.8, 43.9, 47.1, 48.2, 49.2, 50.3, 51.3, 52.2,
		53.2, 54.1, 54.9, 55.8, 56.6, 57.4, 58.2, 59.0, 59.7, 60.4, 61.1, 61.8,
		62.5, 63.2, 63.8, 64.5, 65.1, 65.7, 66.4, 67.0, 67.6, 68.2, 68.8, 69.5,
	}
)

// Voltage levels (kV) and the insulation wall thickness (mm) they require.
var (
	voltageLevels       = []float64{132, 220, 275, 330, 380, 420, 500}
	insulationThickness = []float64{15, 18, 20, 22, 24, 26, 30}
)

// CalculateBatches splits a workload into batches. A workload below the
// 7.5 day ceiling is produced in one batch; anything larger is split into
// full 168 hour weeks plus the remaining hours.
func CalculateBatches(workHours float64, compat Compatibility) []Batch {
	return CalculateBatchesSized(workHours, compat, 7)
}

// CalculateBatchesSized is CalculateBatches with a nominal batch length of
// batchDays days and a ceiling of batchDays + half a day.
func CalculateBatchesSized(workHours float64, compat Compatibility, batchDays float64) []Batch {
	if workHours <= 0 || batchDays <= 0 {
		return nil
	}
	nominal := batchDays * 24
	ceiling := nominal + 12
	if workHours < ceiling {
		return []Batch{{WorkHours: workHours, Compatibility: compat}}
	}

	full := int(math.Floor(workHours / nominal))
	batches := make([]Batch, 0, full+1)
	for i := 0; i < full; i++ {
		batches = append(batches, Batch{WorkHours: nominal, Compatibility: compat})
	}
	if rest := workHours - float64(full)*nominal; rest > 0 {
		batches = append(batches, Batch{WorkHours: rest, Compatibility: compat})
	}
	return batches
}

// CableCompatibility decides which lines can produce a cable. Line 1 only
// handles medium voltage with small cross sections.
func CableCompatibility(voltageKV, areaMM2 float64) Compatibility {
	if voltageKV <= 630 && areaMM2 <= 150 {
		return CompatBoth
	}
	return CompatLine2Only
}

// CalculateCableBatches derives production batches from the physical cable
// parameters: length in metres, voltage in kV and conductor cross section
// in mm². The insulation volume determines the line speed and how many
// metres fit into one batch of compound.
func CalculateCableBatches(lengthM, voltageKV, areaMM2 float64) []Batch {
	if lengthM <= 0 {
		return nil
	}
	compat := CableCompatibility(voltageKV, areaMM2)

	diameter := nearest(conductorAreas, conductorDiameters, areaMM2)
	wall := nearest(voltageLevels, insulationThickness, voltageKV)
	outer := diameter + 2*wall

	isolationSize := (outer+2)*(outer+2)*math.Pi/4 - (diameter-3)*(diameter-3)*math.Pi/4
	lineSpeed := 4266.8 * math.Pow(isolationSize, -0.9909) * 60
	productionLimit := batchMass / (isolationSize / 1e6 * insulationDensity)

	if lengthM <= productionLimit*(BatchHoursLimit/HoursPerWeek) {
		return []Batch{{WorkHours: lengthM / lineSpeed, Compatibility: compat}}
	}

	count := int(lengthM / productionLimit)
	batches := make([]Batch, 0, count+1)
	for i := 0; i < count; i++ {
		batches = append(batches, Batch{WorkHours: productionLimit / lineSpeed, Compatibility: compat})
	}
	if rest := lengthM - float64(count)*productionLimit; rest > 0 {
		batches = append(batches, Batch{WorkHours: rest / lineSpeed, Compatibility: compat})
	}
	return batches
}

// nearest returns the value paired with the key closest to x.
func nearest(keys, values []float64, x float64) float64 {
	best := 0
	for i := range keys {
		if math.Abs(keys[i]-x) < math.Abs(keys[best]-x) {
			best = i
		}
	}
	return values[best]
}
