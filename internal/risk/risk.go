// Package risk estimates how likely each month of a scenario is to be fully
// covered by production work, given the win probabilities of the
// opportunities.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/CablePlan/internal/model"
)

// CoverageGoalHours is the work a month needs to count as covered.
const CoverageGoalHours = 30 * 24

// DefaultMaxBatchesPerMonth bounds the items enumerated for one month.
const DefaultMaxBatchesPerMonth = 30

// ErrEnumerationLimit is returned when a month holds more items than the
// estimator is allowed to enumerate.
var ErrEnumerationLimit = errors.New("too many batches in one month")

// Item is a block of work that is produced with probability Chance.
type Item struct {
	WorkHours float64
	Chance    float64
}

// MonthCoverage is the probability that the work of Month reaches
// CoverageGoalHours.
type MonthCoverage struct {
	Month  time.Time `json:"month"`
	Chance float64   `json:"chance"`
}

// Estimator computes monthly coverage chances.
type Estimator struct {
	GapDays            float64 // days between consecutive batches of a project
	MaxBatchesPerMonth int     // 0 = DefaultMaxBatchesPerMonth
	Workers            int     // 0 = GOMAXPROCS
	Logger             zerolog.Logger
}

func NewEstimator(params model.ProductionParameters, logger zerolog.Logger) *Estimator {
	return &Estimator{
		GapDays:            params.GapBetweenBatches,
		MaxBatchesPerMonth: DefaultMaxBatchesPerMonth,
		Logger:             logger,
	}
}

// piece is a batch, or part of one, placed in a month.
type piece struct {
	hours  float64
	start  time.Time
	chance float64
	fixed  bool
}

// TestForCoverage places the batches of every project into calendar months
// and returns, per month, the chance that the placed work fills the month.
// Batches restricted to line 1 are not counted. Months whose work cannot
// reach the goal even if every opportunity is won get a chance of 1.
func (e *Estimator) TestForCoverage(ctx context.Context, scenario *model.Scenario) ([]MonthCoverage, error) {
	var fixed, opportunities []piece
	for _, p := range scenario.Projects() {
		start := p.DeliveryDate
		for _, b := range p.Batches {
			if b.Compatibility == model.CompatLine1Only {
				continue
			}
			pc := piece{hours: b.WorkHours, start: start, chance: p.Chance(), fixed: p.IsFixed()}
			if pc.fixed {
				fixed = append(fixed, pc)
			} else {
				opportunities = append(opportunities, pc)
			}
			start = model.AddDays(start.Add(b.Duration()), e.GapDays)
		}
	}
	if len(fixed)+len(opportunities) == 0 {
		return nil, nil
	}

	base := earliestMonth(append(append([]piece(nil), fixed...), opportunities...))
	months := make(map[int][]piece)
	allocate(base, months, fixed)
	allocate(base, months, opportunities)

	keys := make([]int, 0, len(months))
	for m := range months {
		keys = append(keys, m)
	}
	sort.Ints(keys)

	limit := e.MaxBatchesPerMonth
	if limit <= 0 {
		limit = DefaultMaxBatchesPerMonth
	}
	workers := e.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := make([]MonthCoverage, len(keys))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, m := range keys {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			month := model.MonthStart(base, m)
			items := monthItems(months[m])

			chance := 1.0
			if totalHours(items) >= CoverageGoalHours {
				if len(items) > limit {
					return fmt.Errorf("%w: %d items in %s, limit %d", ErrEnumerationLimit, len(items), month.Format("2006-01"), limit)
				}
				chance = CalcBatchAllocationRisk(items, CoverageGoalHours)
			}
			out[i] = MonthCoverage{Month: month, Chance: math.Round(chance*1000) / 1000}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.Logger.Debug().Int("months", len(out)).Msg("coverage computed")
	return out, nil
}

func earliestMonth(pieces []piece) time.Time {
	first := pieces[0].start
	for _, p := range pieces[1:] {
		if p.start.Before(first) {
			first = p.start
		}
	}
	return model.StartOfMonth(first)
}

// allocate adds pieces to their start months in chronological order. A
// month holds at most its length in fixed work; a piece that does not fit
// is split at the boundary and the rest moves on to the next month.
func allocate(base time.Time, months map[int][]piece, pieces []piece) {
	sorted := append([]piece(nil), pieces...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].start.Before(sorted[j].start) })

	for _, pc := range sorted {
		m := model.MonthIndex(base, pc.start)
		for {
			capacity := float64(model.DaysInMonth(model.MonthStart(base, m)))
			for _, placed := range months[m] {
				if placed.fixed {
					capacity -= placed.hours / 24
				}
			}

			if capacity >= pc.hours/24 {
				months[m] = append(months[m], pc)
				break
			}
			if capacity > 0 {
				head := pc
				head.hours = capacity * 24
				months[m] = append(months[m], head)
				pc.hours -= head.hours
				pc.start = pc.start.Add(time.Duration(head.hours * float64(time.Hour)))
			}
			m++
		}
	}
}

// monthItems collapses the fixed work of a month into one certain item and
// drops work that can never be realised.
func monthItems(pieces []piece) []Item {
	var items []Item
	var fixedHours float64
	hasFixed := false
	for _, pc := range pieces {
		switch {
		case pc.fixed:
			fixedHours += pc.hours
			hasFixed = true
		case pc.chance > 0:
			items = append(items, Item{WorkHours: pc.hours, Chance: pc.chance})
		}
	}
	if hasFixed {
		items = append(items, Item{WorkHours: fixedHours, Chance: 1})
	}
	return items
}

func totalHours(items []Item) float64 {
	var total float64
	for _, it := range items {
		total += it.WorkHours
	}
	return total
}

// CalcBatchAllocationRisk returns the probability that the items realised
// together reach goal hours, each item being realised independently with
// its chance. The result equals the sum over all 2^N outcomes; branches
// that are already covered or can no longer reach the goal are summed in
// one step.
func CalcBatchAllocationRisk(items []Item, goal float64) float64 {
	remaining := make([]float64, len(items)+1)
	for i := len(items) - 1; i >= 0; i-- {
		remaining[i] = remaining[i+1] + items[i].WorkHours
	}

	var walk func(i int, hours, p float64) float64
	walk = func(i int, hours, p float64) float64 {
		switch {
		case hours >= goal:
			return p
		case i == len(items) || hours+remaining[i] < goal:
			return 0
		}
		it := items[i]
		return walk(i+1, hours+it.WorkHours, p*it.Chance) + walk(i+1, hours, p*(1-it.Chance))
	}
	return walk(0, 0, 1)
}
