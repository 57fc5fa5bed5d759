package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// overlayBatchShiftDays is the spacing assumed between consecutive batches
// of a project when estimating monthly overlay.
const overlayBatchShiftDays = 4 * 7

// Baseline is a candidate set of opportunities that, together with all
// fixed projects, defines a committed production plan.
type Baseline struct {
	ID            string     `json:"id"`
	Opportunities []*Project `json:"opportunities"`
	Priorities    []*Project `json:"priorities,omitempty"` // always included, never selected
}

// NewBaseline creates a baseline with a fresh short ID.
func NewBaseline(selected, priorities []*Project) *Baseline {
	return &Baseline{
		ID:            uuid.New().String()[:8],
		Opportunities: selected,
		Priorities:    priorities,
	}
}

// Projects returns the selected opportunities followed by the priorities.
func (b *Baseline) Projects() []*Project {
	out := make([]*Project, 0, len(b.Opportunities)+len(b.Priorities))
	out = append(out, b.Opportunities...)
	return append(out, b.Priorities...)
}

// Nrs returns the sorted project numbers of the baseline.
func (b *Baseline) Nrs() []int {
	return sortedNrs(b.Projects())
}

// Key identifies the baseline by its project set.
func (b *Baseline) Key() string {
	return joinNrs(b.Nrs())
}

// TotalMargin sums the margin of the baseline's projects.
func (b *Baseline) TotalMargin() float64 {
	var total float64
	for _, p := range b.Projects() {
		total += p.Margin
	}
	return total
}

// TotalOverlayDays estimates how many production days spill over month
// boundaries when the scenario's fixed projects and the baseline are
// produced on the two lines. Excess hours of a month carry into the next.
// Baseline projects for both lines count on line 1; fixed projects for both
// lines are left out.
func (b *Baseline) TotalOverlayDays(s *Scenario) float64 {
	if s.Len() == 0 {
		return 0
	}
	base := StartOfMonth(s.EarliestDelivery())
	months := MonthIndex(base, s.LatestDelivery()) + 1

	line1 := make([]float64, months)
	line2 := make([]float64, months)
	add := func(p *Project) {
		load := line1
		if p.Compatibility() == CompatLine2Only {
			load = line2
		}
		for k, batch := range p.Batches {
			idx := MonthIndex(base, p.DeliveryDate.AddDate(0, 0, overlayBatchShiftDays*k))
			if idx >= 0 && idx < months {
				load[idx] += batch.WorkHours
			}
		}
	}
	for _, p := range s.Fixed() {
		if p.Compatibility() != CompatBoth {
			add(p)
		}
	}
	for _, p := range b.Projects() {
		add(p)
	}

	return (carryOver(base, line1) + carryOver(base, line2)) / 24
}

// carryOver sums the hours exceeding each month's capacity, carrying any
// excess into the following month.
func carryOver(base time.Time, load []float64) float64 {
	var total, carry float64
	for i, hours := range load {
		excess := hours + carry - HoursInMonth(base, i)
		if excess < 0 {
			excess = 0
		}
		carry = excess
		total += excess
	}
	return total
}

// FilledBaseline is a complete project set (fixed projects, baseline
// opportunities and monthly fillers) ready for scheduling.
type FilledBaseline struct {
	Projects []*Project `json:"projects"`
	Baseline *Baseline  `json:"-"`
}

// Nrs returns the sorted project numbers.
func (f *FilledBaseline) Nrs() []int {
	return sortedNrs(f.Projects)
}

// Key returns a stable content hash of the sorted project numbers. Two
// filled baselines with the same project set share a key.
func (f *FilledBaseline) Key() string {
	sum := sha256.Sum256([]byte(joinNrs(f.Nrs())))
	return hex.EncodeToString(sum[:])
}

// Contains reports whether the project set includes nr.
func (f *FilledBaseline) Contains(nr int) bool {
	for _, p := range f.Projects {
		if p.Nr == nr {
			return true
		}
	}
	return false
}

// TotalMargin sums the margin of all projects.
func (f *FilledBaseline) TotalMargin() float64 {
	var total float64
	for _, p := range f.Projects {
		total += p.Margin
	}
	return total
}

func sortedNrs(projects []*Project) []int {
	nrs := make([]int, len(projects))
	for i, p := range projects {
		nrs[i] = p.Nr
	}
	sort.Ints(nrs)
	return nrs
}

func joinNrs(nrs []int) string {
	parts := make([]string, len(nrs))
	for i, nr := range nrs {
		parts[i] = strconv.Itoa(nr)
	}
	return strings.Join(parts, ",")
}
