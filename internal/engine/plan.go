package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/piwi3910/CablePlan/internal/model"
)

const (
	// followUpImportance weights the deviation of every batch after the first.
	followUpImportance = 0.2
	// unknownRevenue replaces a zero revenue so that projects without a price
	// (internal orders) are kept on their planned weeks.
	unknownRevenue = 1e9
	// objectiveScale keeps objective coefficients in a range the simplex
	// handles well. It does not change the ranking of schedules.
	objectiveScale = 1e-6
)

// plan is the scheduling problem of one filled baseline. Times are in days
// relative to origin, deviations in weeks.
type plan struct {
	params   model.ProductionParameters
	origin   time.Time
	projects []*model.Project
	index    map[int]int  // project nr -> position in projects
	lines    []model.Line // forced line per project, LineNone when free
	planned  [][]float64  // planned start week per batch
	maxDays  float64      // upper bound of every start
	bigM     float64      // day-valued big-M
	weekM    float64      // week-valued big-M
	years    float64      // horizon length used for the yearly budgets
}

func newPlan(params model.ProductionParameters, origin time.Time, projects []*model.Project) (*plan, error) {
	p := &plan{
		params:   params,
		origin:   origin,
		projects: projects,
		index:    make(map[int]int, len(projects)),
		lines:    make([]model.Line, len(projects)),
		planned:  make([][]float64, len(projects)),
	}

	step := params.GapBetweenBatches/7 + 1
	var horizon, maxDuration, maxPlanned float64
	for i, pr := range projects {
		line, err := forcedLine(pr)
		if err != nil {
			return nil, err
		}
		p.index[pr.Nr] = i
		p.lines[i] = line

		delivery := model.DaysBetween(origin, pr.DeliveryDate) / 7
		p.planned[i] = make([]float64, len(pr.Batches))
		for k, b := range pr.Batches {
			week := delivery + float64(k)*step
			p.planned[i][k] = week
			maxPlanned = math.Max(maxPlanned, math.Abs(week))
			maxDuration = math.Max(maxDuration, batchDays(b))
			horizon = math.Max(horizon, week*7+batchDays(b))
		}
	}

	p.maxDays = horizon + params.GapBetweenBatches
	p.bigM = p.maxDays + maxDuration
	p.weekM = p.maxDays/7 + maxPlanned + 1
	p.years = math.Max(1, p.maxDays/365)
	return p, nil
}

// forcedLine returns the line all batches of pr are restricted to, or
// LineNone when the project may run on either line.
func forcedLine(pr *model.Project) (model.Line, error) {
	var only1, only2 bool
	for _, b := range pr.Batches {
		switch b.Compatibility {
		case model.CompatLine1Only:
			only1 = true
		case model.CompatLine2Only:
			only2 = true
		}
	}
	switch {
	case only1 && only2:
		return model.LineNone, fmt.Errorf("%w: project %d", ErrLineConflict, pr.Nr)
	case only1:
		return model.Line1, nil
	case only2:
		return model.Line2, nil
	}
	return model.LineNone, nil
}

// window returns the earliest and latest start day of batch k of project i
// when the project is produced. Only the first batch of an opportunity has
// a latest start before the horizon.
func (p *plan) window(i, k int) (lo, hi float64) {
	pr := p.projects[i]
	hi = p.maxDays
	if pr.IsOpportunity() {
		planned := p.planned[i][0] * 7
		if d := p.params.MaxIndividualAdvance; d > 0 {
			lo = math.Max(lo, planned-d)
		}
		if d := p.params.MaxIndividualDelay; d > 0 && k == 0 {
			hi = math.Min(hi, planned+d)
		}
	}
	for j := 0; j < k; j++ {
		lo += batchDays(pr.Batches[j])
	}
	return lo, hi
}

// disjoint reports whether batch ka of project a and batch kb of project b
// cannot overlap when both projects are produced.
func (p *plan) disjoint(a, ka, b, kb int) bool {
	loA, hiA := p.window(a, ka)
	loB, hiB := p.window(b, kb)
	endA := hiA + batchDays(p.projects[a].Batches[ka])
	endB := hiB + batchDays(p.projects[b].Batches[kb])
	return endA <= loB || endB <= loA
}

func batchDays(b model.Batch) float64 {
	return b.WorkHours / 24
}

// rates returns the weekly delay and advance penalties of batch k of pr.
func (p *plan) rates(pr *model.Project, k int) (delay, advance float64) {
	rev := pr.Revenue
	if rev == 0 {
		rev = unknownRevenue
	}
	imp := 1.0
	if k > 0 {
		imp = followUpImportance
	}
	return p.params.WeeklyDelayInterest * rev * imp, p.params.WeeklyAdvanceInterest * rev * imp
}

// deviation returns the distance in weeks between a start and the planned
// week of batch k. Positive values are delays.
func (p *plan) deviation(i, k int, start time.Time) float64 {
	return model.DaysBetween(p.origin, start)/7 - p.planned[i][k]
}

// penalty is the interest cost of starting batch k of pr wd weeks late.
func (p *plan) penalty(pr *model.Project, k int, wd float64) float64 {
	delay, advance := p.rates(pr, k)
	if wd > 0 {
		return wd * delay
	}
	return -wd * advance
}

// deviations sums the delay and advance weeks of all included batches.
func (p *plan) deviations(s *model.Schedule) (delay, advance float64) {
	for _, pa := range s.Projects {
		i, ok := p.index[pa.Project.Nr]
		if !ok || !pa.Included() {
			continue
		}
		for k, a := range pa.Allocations {
			if wd := p.deviation(i, k, a.Start); wd > 0 {
				delay += wd
			} else {
				advance -= wd
			}
		}
	}
	return delay, advance
}

// evaluate returns the scaled objective of a schedule: margin of the
// included projects minus delay and advance interest.
func (p *plan) evaluate(s *model.Schedule) float64 {
	var total float64
	for _, pa := range s.Projects {
		i, ok := p.index[pa.Project.Nr]
		if !ok || !pa.Included() {
			continue
		}
		total += pa.Project.Margin
		for k, a := range pa.Allocations {
			total -= p.penalty(pa.Project, k, p.deviation(i, k, a.Start))
		}
	}
	return total * objectiveScale
}
