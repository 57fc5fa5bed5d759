package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/piwi3910/CablePlan/internal/model"
)

const (
	// MaxBaselineCandidatesPerMonth bounds the power set built for a month.
	// The candidates with the highest margin are kept.
	MaxBaselineCandidatesPerMonth = 16
	// MaxBaselineCombinations bounds the cross product over all months.
	MaxBaselineCombinations = 1 << 20
)

// BaselineSelector enumerates feasible opportunity selections per month and
// combines them into full-horizon baselines.
type BaselineSelector struct {
	Params model.ProductionParameters
	Logger zerolog.Logger
}

// NewBaselineSelector creates a selector for the given parameters.
func NewBaselineSelector(params model.ProductionParameters, logger zerolog.Logger) *BaselineSelector {
	return &BaselineSelector{Params: params, Logger: logger}
}

// lineLoad holds work hours per compatibility group.
type lineLoad struct {
	line1, line2, both float64
}

func (l *lineLoad) add(b model.Batch) {
	switch b.Compatibility {
	case model.CompatLine1Only:
		l.line1 += b.WorkHours
	case model.CompatLine2Only:
		l.line2 += b.WorkHours
	default:
		l.both += b.WorkHours
	}
}

func (l lineLoad) total() float64 { return l.line1 + l.line2 + l.both }

// monthCapacity is the hours available on each line in one month.
type monthCapacity struct {
	line1, line2 float64
}

// GenerateBaselines returns all baselines whose monthly load fits the two
// lines, ranked by total margin. Priority opportunities are never selected
// but appended to every baseline and counted as mandatory load.
func (s *BaselineSelector) GenerateBaselines(ctx context.Context, scenario *model.Scenario, priorities []*model.Project) ([]*model.Baseline, error) {
	if scenario.Len() == 0 {
		return nil, nil
	}
	log := s.Logger.With().Str("component", "baseline").Logger()
	ratio := s.Params.OverloadRatio

	base := model.StartOfMonth(scenario.EarliestDelivery())
	months := model.MonthIndex(base, scenario.LatestDelivery()) + 1
	caps := make([]monthCapacity, months)
	for m := range caps {
		h := model.HoursInMonth(base, m)
		caps[m] = monthCapacity{line1: h * (1 - s.Params.DeadTimes), line2: h}
	}

	isPriority := make(map[int]bool, len(priorities))
	for _, p := range priorities {
		isPriority[p.Nr] = true
	}
	mandatory := append(scenario.Fixed(), priorities...)

	// first-batch load of the mandatory projects per delivery month
	firstLoads := make([]lineLoad, months)
	for _, p := range mandatory {
		if m := model.MonthIndex(base, p.DeliveryDate); m >= 0 && m < months {
			firstLoads[m].add(p.Batches[0])
		}
	}

	candidates := make([][]*model.Project, months)
	for _, p := range scenario.Opportunities() {
		if isPriority[p.Nr] || p.Revenue < s.Params.BaselineMinRevenue || p.Revenue > s.Params.BaselineMaxRevenue {
			continue
		}
		if m := model.MonthIndex(base, p.DeliveryDate); m >= 0 && m < months {
			candidates[m] = append(candidates[m], p)
		}
	}

	clusters := make([][][]*model.Project, months)
	for m := 0; m < months; m++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cands := limitCandidates(candidates[m], MaxBaselineCandidatesPerMonth)
		if len(cands) < len(candidates[m]) {
			log.Warn().Int("month", m).Int("candidates", len(candidates[m])).Msg("too many baseline candidates, keeping the most profitable")
		}
		clusters[m] = monthClusters(cands, firstLoads[m], caps[m], ratio)
		log.Debug().Int("month", m).Int("candidates", len(cands)).Int("clusters", len(clusters[m])).Msg("month clusters")
	}

	mandatoryLoad := distributeWorkHours(base, months, mandatory)
	oppLoads := make(map[int][]lineLoad)
	for _, cands := range clusters {
		for _, cluster := range cands {
			for _, p := range cluster {
				if _, ok := oppLoads[p.Nr]; !ok {
					oppLoads[p.Nr] = distributeWorkHours(base, months, []*model.Project{p})
				}
			}
		}
	}

	var baselines []*model.Baseline
	load := make([]lineLoad, months)
	counter := make([]int, months)
	evaluated := 0
	for {
		if evaluated%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if evaluated >= MaxBaselineCombinations {
			log.Warn().Int("evaluated", evaluated).Msg("baseline cross product truncated")
			break
		}
		evaluated++

		copy(load, mandatoryLoad)
		var selected []*model.Project
		for m, idx := range counter {
			for _, p := range clusters[m][idx] {
				selected = append(selected, p)
				for i, l := range oppLoads[p.Nr] {
					load[i].line1 += l.line1
					load[i].line2 += l.line2
					load[i].both += l.both
				}
			}
		}
		if withinCapacity(load, caps, ratio) {
			baselines = append(baselines, model.NewBaseline(selected, priorities))
		}

		if !nextCombination(counter, clusters) {
			break
		}
	}

	rankBaselines(baselines, scenario)
	log.Info().Int("evaluated", evaluated).Int("baselines", len(baselines)).Msg("baselines generated")
	return baselines, nil
}

// monthClusters enumerates the subsets of a month's candidates whose first
// batches, added to the mandatory load, fit at least one line or the two
// lines together. The empty subset is always kept.
func monthClusters(cands []*model.Project, mandatory lineLoad, c monthCapacity, ratio float64) [][]*model.Project {
	clusters := [][]*model.Project{nil}
	n := len(cands)
	for mask := 1; mask < 1<<n; mask++ {
		l := mandatory
		var subset []*model.Project
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				l.add(cands[i].Batches[0])
				subset = append(subset, cands[i])
			}
		}
		if l.line1 <= c.line1*ratio || l.line2 <= c.line2*ratio || l.total() <= (c.line1+c.line2)*ratio {
			clusters = append(clusters, subset)
		}
	}
	return clusters
}

// distributeWorkHours spreads each project's batches over consecutive months
// starting with the delivery month.
func distributeWorkHours(base time.Time, months int, projects []*model.Project) []lineLoad {
	load := make([]lineLoad, months)
	for _, p := range projects {
		start := model.MonthIndex(base, p.DeliveryDate)
		for k, b := range p.Batches {
			if m := start + k; m >= 0 && m < months {
				load[m].add(b)
			}
		}
	}
	return load
}

// bothShare is the part of the Both hours that does not fit next to the
// line 2 load and has to go on line 1.
func (l lineLoad) bothShare(c monthCapacity, ratio float64) float64 {
	room := math.Max(0, c.line2*ratio-l.line2)
	return math.Max(0, l.both-room)
}

// withinCapacity checks every month and the whole horizon. The horizon
// total is held to the nominal capacity without overload.
func withinCapacity(load []lineLoad, caps []monthCapacity, ratio float64) bool {
	var total, capacity float64
	for m, l := range load {
		c := caps[m]
		if l.line1+l.bothShare(c, ratio) > c.line1*ratio || l.line2 > c.line2*ratio || l.total() > (c.line1+c.line2)*ratio {
			return false
		}
		total += l.total()
		capacity += c.line1 + c.line2
	}
	return total <= capacity
}

// nextCombination advances the mixed-radix counter. It returns false once
// every combination has been visited.
func nextCombination(counter []int, clusters [][][]*model.Project) bool {
	for m := range counter {
		counter[m]++
		if counter[m] < len(clusters[m]) {
			return true
		}
		counter[m] = 0
	}
	return false
}

func limitCandidates(cands []*model.Project, max int) []*model.Project {
	if len(cands) <= max {
		return cands
	}
	sorted := append([]*model.Project(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Margin > sorted[j].Margin })
	sorted = sorted[:max]
	model.SortByDelivery(sorted)
	return sorted
}

// rankBaselines orders by total margin, then by overlay days, then by key.
func rankBaselines(baselines []*model.Baseline, scenario *model.Scenario) {
	type ranked struct {
		margin, overlay float64
		key             string
	}
	keys := make(map[*model.Baseline]ranked, len(baselines))
	for _, b := range baselines {
		keys[b] = ranked{margin: b.TotalMargin(), overlay: b.TotalOverlayDays(scenario), key: b.Key()}
	}
	sort.SliceStable(baselines, func(i, j int) bool {
		a, b := keys[baselines[i]], keys[baselines[j]]
		if a.margin != b.margin {
			return a.margin > b.margin
		}
		if a.overlay != b.overlay {
			return a.overlay < b.overlay
		}
		return a.key < b.key
	})
}

// FilterBaselines returns the baselines for which keep reports true.
func FilterBaselines(baselines []*model.Baseline, keep func(*model.Baseline) bool) []*model.Baseline {
	var out []*model.Baseline
	for _, b := range baselines {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out
}
