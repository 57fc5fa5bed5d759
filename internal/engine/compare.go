package engine

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/CablePlan/internal/model"
)

// ComparisonResult holds the schedule and computed statistics for a single
// filled baseline.
type ComparisonResult struct {
	Candidate     *model.FilledBaseline
	Schedule      *model.Schedule
	Objective     float64
	Margin        float64
	Opportunities int // included opportunities
	DelayWeeks    float64
	AdvanceWeeks  float64
	Err           error // why Schedule is nil, e.g. ErrInfeasible or ErrTimeout
}

// Feasible reports whether a schedule was found.
func (r ComparisonResult) Feasible() bool {
	return r.Schedule != nil
}

// CompareFilledBaselines schedules every candidate and returns the results
// ranked by objective, feasible candidates first. A candidate that cannot
// be scheduled is reported with its error and does not stop the others;
// only a done ctx aborts the comparison. cache may be nil.
func CompareFilledBaselines(ctx context.Context, opt *Optimizer, cache *ScheduleCache, scenario *model.Scenario, candidates []*model.FilledBaseline) ([]ComparisonResult, error) {
	results := make([]ComparisonResult, len(candidates))
	parent := ctx
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workerCount(opt.Config.Workers))

	for i, fb := range candidates {
		g.Go(func() error {
			compute := func(ctx context.Context) (*model.Schedule, error) {
				return opt.Generate(ctx, scenario, fb)
			}
			var s *model.Schedule
			var err error
			if cache != nil {
				s, err = cache.GetOrCompute(ctx, fb, compute)
			} else {
				s, err = compute(ctx)
			}

			results[i] = ComparisonResult{Candidate: fb}
			switch {
			case err != nil && parent.Err() != nil:
				return parent.Err()
			case errors.Is(err, ErrInfeasible), errors.Is(err, ErrTimeout):
				results[i].Err = err
				opt.Logger.Info().Err(err).Str("key", fb.Key()[:12]).Msg("candidate without schedule")
				return nil
			case err != nil:
				results[i].Err = err
				opt.Logger.Warn().Err(err).Str("key", fb.Key()[:12]).Msg("candidate failed")
				return nil
			}
			results[i].fill(opt, scenario, s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Feasible() != b.Feasible() {
			return a.Feasible()
		}
		if a.Objective != b.Objective {
			return a.Objective > b.Objective
		}
		return a.Candidate.Key() < b.Candidate.Key()
	})
	return results, nil
}

func (r *ComparisonResult) fill(opt *Optimizer, scenario *model.Scenario, s *model.Schedule) {
	r.Schedule = s
	r.Objective = s.Objective
	r.Margin = s.TotalMargin()
	for _, p := range s.Included() {
		if p.IsOpportunity() {
			r.Opportunities++
		}
	}
	if len(r.Candidate.Projects) == 0 {
		return
	}
	if p, err := opt.buildPlan(scenario, r.Candidate); err == nil {
		r.DelayWeeks, r.AdvanceWeeks = p.deviations(s)
	}
}
