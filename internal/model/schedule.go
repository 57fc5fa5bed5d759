package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrVerification marks a schedule that violates a scheduling invariant.
// It always indicates a defect in the optimizer that produced the schedule.
var ErrVerification = errors.New("schedule verification failed")

// OverlapTolerance is the overlap between two batches on one line that is
// still accepted as numeric noise.
const OverlapTolerance = time.Minute

// BatchAllocation places one batch on a line. Line is LineNone for batches
// of opportunities that were not taken.
type BatchAllocation struct {
	Batch Batch     `json:"batch"`
	Line  Line      `json:"line"`
	Start time.Time `json:"start"`
}

// End returns the end of the production run.
func (a BatchAllocation) End() time.Time {
	return a.Start.Add(a.Batch.Duration())
}

// Allocated reports whether the batch has been put on a line.
func (a BatchAllocation) Allocated() bool {
	return a.Line != LineNone
}

// ProjectAllocation holds the allocations of all batches of one project, in
// batch order.
type ProjectAllocation struct {
	Project     *Project          `json:"project"`
	Allocations []BatchAllocation `json:"allocations"`
}

// Included reports whether the project's batches are on a line.
func (pa ProjectAllocation) Included() bool {
	return len(pa.Allocations) > 0 && pa.Allocations[0].Allocated()
}

// Schedule is the optimizer's output for one filled baseline.
type Schedule struct {
	Projects  []ProjectAllocation `json:"projects"`
	Objective float64             `json:"objective"`
}

// Lookup finds the allocation of project nr.
func (s *Schedule) Lookup(nr int) (ProjectAllocation, bool) {
	for _, pa := range s.Projects {
		if pa.Project.Nr == nr {
			return pa, true
		}
	}
	return ProjectAllocation{}, false
}

// Included returns the projects whose batches are allocated.
func (s *Schedule) Included() []*Project {
	var out []*Project
	for _, pa := range s.Projects {
		if pa.Included() {
			out = append(out, pa.Project)
		}
	}
	return out
}

// LineLoad returns the allocations on line l ordered by start.
func (s *Schedule) LineLoad(l Line) []BatchAllocation {
	var out []BatchAllocation
	for _, pa := range s.Projects {
		for _, a := range pa.Allocations {
			if a.Line == l {
				out = append(out, a)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// TotalMargin sums the margin of the included projects.
func (s *Schedule) TotalMargin() float64 {
	var total float64
	for _, p := range s.Included() {
		total += p.Margin
	}
	return total
}

// Verify checks the scheduling invariants:
//   - every batch of a fixed project is allocated
//   - an opportunity is allocated completely or not at all
//   - all batches of a project share one line that they are compatible with
//   - batches on the same line do not overlap beyond OverlapTolerance
func Verify(s *Schedule) error {
	for _, pa := range s.Projects {
		p := pa.Project
		if len(pa.Allocations) != len(p.Batches) {
			return fmt.Errorf("%w: %s has %d allocations for %d batches", ErrVerification, p, len(pa.Allocations), len(p.Batches))
		}

		allocated := 0
		line := LineNone
		for i, a := range pa.Allocations {
			if !a.Allocated() {
				continue
			}
			allocated++
			if !a.Batch.Compatibility.Allows(a.Line) {
				return fmt.Errorf("%w: %s batch %d is not compatible with %s", ErrVerification, p, i, a.Line)
			}
			if line == LineNone {
				line = a.Line
			} else if a.Line != line {
				return fmt.Errorf("%w: %s is split across %s and %s", ErrVerification, p, line, a.Line)
			}
		}

		switch {
		case p.IsFixed() && allocated != len(p.Batches):
			return fmt.Errorf("%w: fixed %s has %d of %d batches allocated", ErrVerification, p, allocated, len(p.Batches))
		case p.IsOpportunity() && allocated != 0 && allocated != len(p.Batches):
			return fmt.Errorf("%w: %s is partially allocated (%d of %d)", ErrVerification, p, allocated, len(p.Batches))
		}
	}

	for _, l := range []Line{Line1, Line2} {
		load := s.LineLoad(l)
		var busyUntil time.Time
		for i, cur := range load {
			if i > 0 {
				if overlap := busyUntil.Sub(cur.Start); overlap > OverlapTolerance {
					return fmt.Errorf("%w: batches on %s overlap by %s at %s", ErrVerification, l, overlap, cur.Start.Format(time.RFC3339))
				}
			}
			if end := cur.End(); i == 0 || end.After(busyUntil) {
				busyUntil = end
			}
		}
	}
	return nil
}
