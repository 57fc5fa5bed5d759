package engine

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/CablePlan/internal/model"
)

// fillerWindow is the share of the month capacity below the best
// combination that a combination may fall short and still be kept.
const fillerWindow = 0.2

// Filler expands a baseline with monthly filler opportunities until each
// month's capacity is used.
type Filler struct {
	Params  model.ProductionParameters
	Workers int // parallel baselines in GenerateAll, 0 = GOMAXPROCS
	Logger  zerolog.Logger
}

// NewFiller creates a filler generator.
func NewFiller(params model.ProductionParameters, logger zerolog.Logger) *Filler {
	return &Filler{Params: params, Logger: logger}
}

// fillRun holds the state of one Generate call.
type fillRun struct {
	ctx       context.Context
	params    model.ProductionParameters
	baseline  *model.Baseline
	base      time.Time
	months    int
	potential []*model.Project
	out       []*model.FilledBaseline
}

// Generate walks the planning horizon month by month. In every month it
// adds the combinations of not yet included opportunities that fit the
// remaining capacity and recurses into the next month with each of them.
// Every path through the horizon becomes one FilledBaseline containing the
// fixed projects, the baseline and the chosen fillers.
func (f *Filler) Generate(ctx context.Context, scenario *model.Scenario, baseline *model.Baseline) ([]*model.FilledBaseline, error) {
	if scenario.Len() == 0 {
		return nil, nil
	}

	required := scenario.Fixed()
	inSet := make(map[int]bool)
	for _, p := range required {
		inSet[p.Nr] = true
	}
	for _, p := range baseline.Projects() {
		if !inSet[p.Nr] {
			required = append(required, p)
			inSet[p.Nr] = true
		}
	}
	model.SortByDelivery(required)

	var potential []*model.Project
	for _, p := range scenario.Opportunities() {
		if !inSet[p.Nr] {
			potential = append(potential, p)
		}
	}

	run := &fillRun{
		ctx:       ctx,
		params:    f.Params,
		baseline:  baseline,
		base:      model.StartOfMonth(scenario.EarliestDelivery()),
		months:    f.Params.PlanningHorizon + 1,
		potential: potential,
	}
	overload := make([]float64, run.months)
	run.addOverload(overload, required)

	if err := run.fill(required, inSet, overload, 0, 1); err != nil {
		return nil, err
	}
	f.Logger.Debug().
		Str("baseline", baseline.ID).
		Int("fillers", len(potential)).
		Int("filled", len(run.out)).
		Msg("filled baselines generated")
	return run.out, nil
}

// GenerateAll runs Generate for every baseline in parallel. The result keeps
// the order of baselines.
func (f *Filler) GenerateAll(ctx context.Context, scenario *model.Scenario, baselines []*model.Baseline) ([]*model.FilledBaseline, error) {
	results := make([][]*model.FilledBaseline, len(baselines))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workerCount(f.Workers))
	for i, b := range baselines {
		g.Go(func() error {
			out, err := f.Generate(ctx, scenario, b)
			results[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []*model.FilledBaseline
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

func (r *fillRun) fill(included []*model.Project, inSet map[int]bool, overload []float64, month, combinationCount int) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if month >= r.months {
		r.out = append(r.out, &model.FilledBaseline{
			Projects: append([]*model.Project(nil), included...),
			Baseline: r.baseline,
		})
		return nil
	}

	maxAmount := r.params.MaxFillerCombinations / combinationCount
	if maxAmount < 1 {
		maxAmount = 1
	}

	var fillers []*model.Project
	for _, p := range r.potential {
		if !inSet[p.Nr] && model.MonthIndex(r.base, p.DeliveryDate) == month {
			fillers = append(fillers, p)
		}
	}

	combos := r.combinationsForMonth(fillers, overload[month], month)
	combos = r.limitCombinations(combos, maxAmount)
	if len(combos) == 0 {
		return r.fill(included, inSet, overload, month+1, combinationCount)
	}

	for _, combo := range combos {
		nextIncluded := append(append(make([]*model.Project, 0, len(included)+len(combo)), included...), combo...)
		nextSet := make(map[int]bool, len(inSet)+len(combo))
		for nr := range inSet {
			nextSet[nr] = true
		}
		for _, p := range combo {
			nextSet[p.Nr] = true
		}
		nextOverload := append([]float64(nil), overload...)
		r.addOverload(nextOverload, combo)

		if err := r.fill(nextIncluded, nextSet, nextOverload, month+1, combinationCount*len(combos)); err != nil {
			return err
		}
	}
	return nil
}

// addOverload adds each batch's hours, as a fraction of its month, to the
// month it is produced in. Batch k is assumed k gaps after delivery.
func (r *fillRun) addOverload(overload []float64, projects []*model.Project) {
	for _, p := range projects {
		for k, b := range p.Batches {
			at := model.AddDays(p.DeliveryDate, r.params.GapBetweenBatches*float64(k))
			if idx := model.MonthIndex(r.base, at); idx >= 0 && idx < len(overload) {
				overload[idx] += b.WorkHours / model.HoursInMonth(r.base, idx)
			}
		}
	}
}

// hoursInMonth sums the hours of p's batches produced in month.
func (r *fillRun) hoursInMonth(p *model.Project, month int) float64 {
	var h float64
	for k, b := range p.Batches {
		at := model.AddDays(p.DeliveryDate, r.params.GapBetweenBatches*float64(k))
		if model.MonthIndex(r.base, at) == month {
			h += b.WorkHours
		}
	}
	return h
}

// combinationsForMonth returns the filler subsets whose hours fit the
// remaining capacity of month and come within fillerWindow of the fullest
// subset.
func (r *fillRun) combinationsForMonth(fillers []*model.Project, overload float64, month int) [][]*model.Project {
	monthHours := model.HoursInMonth(r.base, month)
	bound := (r.params.OverloadRatio - overload) * monthHours
	if bound <= 0 {
		return nil
	}

	var cands []*model.Project
	var hours []float64
	for _, p := range fillers {
		if h := r.hoursInMonth(p, month); h > 0 {
			cands = append(cands, p)
			hours = append(hours, h)
		}
	}
	if limit := r.params.MaxFillersPerMonth; limit > 0 && len(cands) > limit {
		idx := make([]int, len(cands))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return r.params.FillerStrategy.Score(cands[idx[a]]) > r.params.FillerStrategy.Score(cands[idx[b]])
		})
		idx = idx[:limit]
		sort.Ints(idx)
		kept, keptHours := make([]*model.Project, len(idx)), make([]float64, len(idx))
		for i, j := range idx {
			kept[i], keptHours[i] = cands[j], hours[j]
		}
		cands, hours = kept, keptHours
	}

	n := len(cands)
	totals := make([]float64, 1<<n)
	best := 0.0
	for mask := 1; mask < 1<<n; mask++ {
		low := mask & -mask
		i := bitIndex(low)
		totals[mask] = totals[mask^low] + hours[i]
		if totals[mask] <= bound && totals[mask] > best {
			best = totals[mask]
		}
	}

	floor := best - fillerWindow*bound
	var combos [][]*model.Project
	for mask := 1; mask < 1<<n; mask++ {
		t := totals[mask]
		if t <= 0 || t > bound || t < floor {
			continue
		}
		var combo []*model.Project
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				combo = append(combo, cands[i])
			}
		}
		combos = append(combos, combo)
	}
	return combos
}

// limitCombinations truncates combos to maxAmount. Combinations that use a
// filler outside the filler revenue band are dropped first, lowest ranked
// first; the rest are ranked by the filler strategy.
func (r *fillRun) limitCombinations(combos [][]*model.Project, maxAmount int) [][]*model.Project {
	if len(combos) <= maxAmount {
		return combos
	}

	type scored struct {
		idx     int
		score   float64
		outside bool
	}
	items := make([]scored, len(combos))
	for i, c := range combos {
		items[i] = scored{idx: i}
		for _, p := range c {
			items[i].score += r.params.FillerStrategy.Score(p)
			if p.Revenue < r.params.FillerMinRevenue || p.Revenue > r.params.FillerMaxRevenue {
				items[i].outside = true
			}
		}
	}

	var outside []int
	for i, it := range items {
		if it.outside {
			outside = append(outside, i)
		}
	}
	sort.SliceStable(outside, func(a, b int) bool { return items[outside[a]].score < items[outside[b]].score })
	excess := len(combos) - maxAmount
	if excess > len(outside) {
		excess = len(outside)
	}
	dropped := make(map[int]bool, excess)
	for _, i := range outside[:excess] {
		dropped[i] = true
	}

	kept := make([]scored, 0, len(items)-excess)
	for i, it := range items {
		if !dropped[i] {
			kept = append(kept, it)
		}
	}
	if len(kept) > maxAmount {
		sort.SliceStable(kept, func(a, b int) bool { return kept[a].score > kept[b].score })
		kept = kept[:maxAmount]
	}

	out := make([][]*model.Project, len(kept))
	for i, it := range kept {
		out[i] = combos[it.idx]
	}
	return out
}

func bitIndex(bit int) int {
	i := 0
	for bit > 1 {
		bit >>= 1
		i++
	}
	return i
}

func workerCount(n int) int {
	if n <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}
