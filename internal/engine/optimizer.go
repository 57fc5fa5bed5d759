package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/piwi3910/CablePlan/internal/model"
	"github.com/piwi3910/CablePlan/internal/solver"
)

var (
	// ErrInfeasible is returned when no schedule satisfies the constraints of
	// a filled baseline.
	ErrInfeasible = errors.New("no feasible schedule")
	// ErrTimeout is returned when the time limit ends the search before any
	// schedule was found.
	ErrTimeout = errors.New("schedule optimization timed out")
	// ErrLineConflict marks a project with batches restricted to different lines.
	ErrLineConflict = errors.New("project needs both line 1 and line 2")
)

// warmStartGenerations bounds the genetic run that seeds the MILP search.
const warmStartGenerations = 25

// Branching priorities of the binary variables.
const (
	priorityInclude = 3
	priorityLine    = 2
	priorityOrder   = 1
	prioritySign    = -1
)

// Optimizer assigns every batch of a filled baseline to a line and a start.
type Optimizer struct {
	Config  model.AppConfig
	Genetic GeneticConfig
	Logger  zerolog.Logger

	// NewModel creates the MIP backend. nil selects solver.BranchAndBound.
	NewModel func() solver.Model
}

func New(config model.AppConfig, logger zerolog.Logger) *Optimizer {
	return &Optimizer{Config: config, Genetic: DefaultGeneticConfig(), Logger: logger}
}

func (o *Optimizer) newModel() solver.Model {
	if o.NewModel != nil {
		return o.NewModel()
	}
	return solver.NewBranchAndBound(solver.Options{
		MIPGap:   o.Config.MIPGap,
		MaxNodes: o.Config.MaxNodes,
		Logger:   o.Logger,
	})
}

// Generate schedules the projects of fb. Start times are measured from the
// scenario's earliest delivery. The returned schedule has passed
// model.Verify.
func (o *Optimizer) Generate(ctx context.Context, scenario *model.Scenario, fb *model.FilledBaseline) (*model.Schedule, error) {
	if len(fb.Projects) == 0 {
		return &model.Schedule{}, nil
	}
	p, err := o.buildPlan(scenario, fb)
	if err != nil {
		return nil, err
	}

	if o.Config.SolverTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Config.SolverTimeLimit)
		defer cancel()
	}

	var s *model.Schedule
	switch o.Config.Algorithm {
	case model.AlgorithmGenetic:
		s, err = o.optimizeGenetic(ctx, p)
	default:
		s, err = o.optimizeMILP(ctx, p)
		if err != nil && !errors.Is(err, ErrInfeasible) && !errors.Is(err, ErrTimeout) && ctx.Err() == nil {
			o.Logger.Warn().Err(err).Str("key", fb.Key()[:12]).Msg("MILP solve failed, using the genetic scheduler")
			s, err = o.optimizeGenetic(ctx, p)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := model.Verify(s); err != nil {
		return nil, err
	}

	o.Logger.Debug().
		Str("key", fb.Key()[:12]).
		Str("algorithm", string(o.Config.Algorithm)).
		Int("projects", len(p.projects)).
		Int("included", len(s.Included())).
		Float64("objective", s.Objective).
		Msg("schedule generated")
	return s, nil
}

// buildPlan sorts the projects of fb and measures them from the earlier of the
// scenario's and fb's first delivery.
func (o *Optimizer) buildPlan(scenario *model.Scenario, fb *model.FilledBaseline) (*plan, error) {
	projects := append([]*model.Project(nil), fb.Projects...)
	model.SortByDelivery(projects)
	origin := projects[0].DeliveryDate
	if scenario != nil && scenario.Len() > 0 && scenario.EarliestDelivery().Before(origin) {
		origin = scenario.EarliestDelivery()
	}
	return newPlan(o.Config.Parameters, origin, projects)
}

// optimizeMILP builds and solves the continuous-time model:
//
//	s   start day of every batch
//	u   opportunity is produced
//	y   project runs on line 2 (only for projects free to use either line)
//	z   batch a precedes batch b, for batches of different projects
//	wd  week deviation of a batch from its planned week
//	v   max(0, wd), with δ selecting the active branch
//
// When the model accepts a start solution, a short genetic run provides
// the first incumbent.
func (o *Optimizer) optimizeMILP(ctx context.Context, p *plan) (*model.Schedule, error) {
	m := o.newModel()
	bigM := p.bigM

	var warm *startValues
	starter, _ := m.(solver.Starter)
	if starter != nil {
		if s := o.warmStart(ctx, p); s != nil {
			warm = &startValues{plan: p, schedule: s}
		}
	}
	hint := func(v solver.Var, value float64) {
		if warm != nil {
			starter.SetStart(v, value)
		}
	}

	starts := make([][]solver.Var, len(p.projects))
	include := make(map[int]solver.Var)
	onLine2 := make(map[int]solver.Var)
	for i, pr := range p.projects {
		starts[i] = make([]solver.Var, len(pr.Batches))
		for k := range pr.Batches {
			starts[i][k] = m.AddVar(0, p.maxDays, solver.Continuous, fmt.Sprintf("s_%d_%d", pr.Nr, k))
			if warm != nil {
				hint(starts[i][k], warm.day(i, k))
			}
		}
		if pr.IsOpportunity() {
			u := m.AddVar(0, 1, solver.Binary, fmt.Sprintf("u_%d", pr.Nr))
			m.SetPriority(u, priorityInclude)
			include[i] = u
			if warm != nil {
				hint(u, boolValue(warm.included(i)))
			}
		}
		if p.lines[i] == model.LineNone {
			y := m.AddVar(0, 1, solver.Binary, fmt.Sprintf("y_%d", pr.Nr))
			m.SetPriority(y, priorityLine)
			onLine2[i] = y
			if warm != nil {
				hint(y, boolValue(warm.line(i) == model.Line2))
			}
		}
	}

	// excluded is 1 - u for opportunities and 0 for fixed projects.
	excluded := func(i int) *solver.Expr {
		e := solver.NewExpr()
		if u, ok := include[i]; ok {
			e.AddConstant(1).Add(u, -1)
		}
		return e
	}
	// off is 1 when project i is not on line l.
	off := func(i int, l model.Line) *solver.Expr {
		e := solver.NewExpr()
		if y, ok := onLine2[i]; ok {
			if l == model.Line1 {
				e.Add(y, 1)
			} else {
				e.AddConstant(1).Add(y, -1)
			}
		}
		return e
	}
	canRun := func(i, k int, l model.Line) bool {
		return p.projects[i].Batches[k].Compatibility.Allows(l) && (p.lines[i] == model.LineNone || p.lines[i] == l)
	}

	// succession within a project
	for i, pr := range p.projects {
		for k := 1; k < len(pr.Batches); k++ {
			e := solver.NewExpr().Add(starts[i][k], 1).Add(starts[i][k-1], -1)
			rhs := batchDays(pr.Batches[k-1])
			if u, ok := include[i]; ok {
				e.Add(u, -bigM)
				rhs -= bigM
			}
			m.AddConstr(e, solver.GreaterEqual, rhs, fmt.Sprintf("seq_%d_%d", pr.Nr, k))
		}
	}

	// no overlap between batches of different projects sharing a line
	type ref struct{ i, k int }
	var refs []ref
	for i, pr := range p.projects {
		for k := range pr.Batches {
			refs = append(refs, ref{i, k})
		}
	}
	lines := []model.Line{model.Line1, model.Line2}
	for x := 0; x < len(refs); x++ {
		for w := x + 1; w < len(refs); w++ {
			a, b := refs[x], refs[w]
			if a.i == b.i {
				continue
			}
			var shared []model.Line
			for _, l := range lines {
				if canRun(a.i, a.k, l) && canRun(b.i, b.k, l) {
					shared = append(shared, l)
				}
			}
			if len(shared) == 0 || p.disjoint(a.i, a.k, b.i, b.k) {
				continue
			}

			na, nb := p.projects[a.i].Nr, p.projects[b.i].Nr
			z := m.AddVar(0, 1, solver.Binary, fmt.Sprintf("z_%d_%d_%d_%d", na, a.k, nb, b.k))
			m.SetPriority(z, priorityOrder)
			if warm != nil {
				// z = 1 puts b first
				hint(z, boolValue(warm.day(b.i, b.k) < warm.day(a.i, a.k)))
			}
			sa, sb := starts[a.i][a.k], starts[b.i][b.k]
			da, db := batchDays(p.projects[a.i].Batches[a.k]), batchDays(p.projects[b.i].Batches[b.k])
			for _, l := range shared {
				relax := solver.NewExpr().
					AddExpr(excluded(a.i), 1).
					AddExpr(excluded(b.i), 1).
					AddExpr(off(a.i, l), 1).
					AddExpr(off(b.i, l), 1)
				before := solver.NewExpr().Add(sa, 1).Add(sb, -1).Add(z, -bigM).AddExpr(relax, -bigM)
				m.AddConstr(before, solver.LessEqual, -da, fmt.Sprintf("ab_%s_%d_%d", l, na, nb))
				after := solver.NewExpr().Add(sb, 1).Add(sa, -1).Add(z, bigM).AddExpr(relax, -bigM)
				m.AddConstr(after, solver.LessEqual, bigM-db, fmt.Sprintf("ba_%s_%d_%d", l, na, nb))
			}
		}
	}

	// deviation penalties and opportunity limits
	weekM := p.weekM
	params := p.params
	objective := solver.NewExpr()
	delaySum, advanceSum := solver.NewExpr(), solver.NewExpr()
	hasOpportunities := false
	for i, pr := range p.projects {
		u, isOpp := include[i]
		if isOpp {
			objective.Add(u, pr.Margin)
			hasOpportunities = true
		} else {
			objective.AddConstant(pr.Margin)
		}

		for k := range pr.Batches {
			dev := solver.NewExpr().Add(starts[i][k], 1.0/7).AddConstant(-p.planned[i][k])
			wd := dev
			var wdStart float64
			if warm != nil && (!isOpp || warm.included(i)) {
				wdStart = warm.day(i, k)/7 - p.planned[i][k]
			}
			if isOpp {
				w := m.AddVar(-weekM, solver.Inf, solver.Continuous, fmt.Sprintf("wd_%d_%d", pr.Nr, k))
				hint(w, wdStart)
				m.AddConstr(solver.NewExpr().Add(w, 1).AddExpr(dev, -1).Add(u, -weekM), solver.GreaterEqual, -weekM, "")
				m.AddConstr(solver.NewExpr().Add(w, 1).AddExpr(dev, -1).Add(u, weekM), solver.LessEqual, weekM, "")
				m.AddConstr(solver.NewExpr().Add(w, 1).Add(u, -weekM), solver.LessEqual, 0, "")
				m.AddConstr(solver.NewExpr().Add(w, 1).Add(u, weekM), solver.GreaterEqual, 0, "")
				wd = solver.NewExpr().Add(w, 1)
			}

			v := m.AddVar(0, solver.Inf, solver.Continuous, fmt.Sprintf("v_%d_%d", pr.Nr, k))
			delta := m.AddVar(0, 1, solver.Binary, fmt.Sprintf("d_%d_%d", pr.Nr, k))
			m.SetPriority(delta, prioritySign)
			// δ = 1 selects v = 0 for a batch on time or early
			hint(v, math.Max(0, wdStart))
			hint(delta, boolValue(wdStart <= 0))
			m.AddConstr(solver.NewExpr().Add(v, 1).AddExpr(wd, -1), solver.GreaterEqual, 0, "")
			m.AddConstr(solver.NewExpr().Add(v, 1).AddExpr(wd, -1).Add(delta, -weekM), solver.LessEqual, 0, "")
			m.AddConstr(solver.NewExpr().Add(v, 1).Add(delta, weekM), solver.LessEqual, weekM, "")

			delayRate, advanceRate := p.rates(pr, k)
			objective.Add(v, -(delayRate + advanceRate)).AddExpr(wd, advanceRate)

			if !isOpp || k > 0 {
				continue
			}
			if params.MaxIndividualDelay > 0 {
				m.AddConstr(wd, solver.LessEqual, params.MaxIndividualDelay/7, fmt.Sprintf("maxdelay_%d", pr.Nr))
			}
			if params.MaxIndividualAdvance > 0 {
				m.AddConstr(wd, solver.GreaterEqual, -params.MaxIndividualAdvance/7, fmt.Sprintf("maxadvance_%d", pr.Nr))
			}
			delaySum.Add(v, 7)
			advanceSum.Add(v, 7).AddExpr(wd, -7)
		}
	}
	if hasOpportunities && params.MaxDelayPerYear > 0 {
		m.AddConstr(delaySum, solver.LessEqual, params.MaxDelayPerYear*p.years, "delay_budget")
	}
	if hasOpportunities && params.MaxAdvancePerYear > 0 {
		m.AddConstr(advanceSum, solver.LessEqual, params.MaxAdvancePerYear*p.years, "advance_budget")
	}
	m.SetObjective(solver.NewExpr().AddExpr(objective, objectiveScale), solver.Maximize)

	if err := m.Optimize(ctx); err != nil {
		switch {
		case errors.Is(err, solver.ErrInfeasible):
			return nil, fmt.Errorf("%w: %w", ErrInfeasible, err)
		case errors.Is(err, solver.ErrTimeLimit):
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("solve schedule: %w", err)
	}
	if m.Status() == solver.StatusInterrupted {
		o.Logger.Warn().Msg("schedule search interrupted, returning best schedule found")
	}

	s := &model.Schedule{Projects: make([]model.ProjectAllocation, len(p.projects))}
	for i, pr := range p.projects {
		included := true
		if u, ok := include[i]; ok {
			included = m.Value(u) > 0.5
		}
		line := p.lines[i]
		if y, ok := onLine2[i]; ok {
			line = model.Line1
			if m.Value(y) > 0.5 {
				line = model.Line2
			}
		}

		pa := model.ProjectAllocation{Project: pr, Allocations: make([]model.BatchAllocation, len(pr.Batches))}
		for k, b := range pr.Batches {
			pa.Allocations[k] = model.BatchAllocation{
				Batch: b,
				Start: model.AddDays(p.origin, m.Value(starts[i][k])),
			}
			if included {
				pa.Allocations[k].Line = line
			}
		}
		s.Projects[i] = pa
	}
	s.Objective = p.evaluate(s)
	return s, nil
}

// warmStart runs a short genetic search on p. It returns nil when ctx is
// already done.
func (o *Optimizer) warmStart(ctx context.Context, p *plan) *model.Schedule {
	if ctx.Err() != nil {
		return nil
	}
	config := o.geneticConfig(p)
	config.Generations = min(config.Generations, warmStartGenerations)
	return newGeneticOptimizer(p, config).optimize(ctx)
}

// startValues reads MILP start values off a schedule of the same plan.
type startValues struct {
	plan     *plan
	schedule *model.Schedule
}

func (w *startValues) day(i, k int) float64 {
	return model.DaysBetween(w.plan.origin, w.schedule.Projects[i].Allocations[k].Start)
}

func (w *startValues) included(i int) bool {
	return w.schedule.Projects[i].Included()
}

func (w *startValues) line(i int) model.Line {
	if a := w.schedule.Projects[i].Allocations; len(a) > 0 {
		return a[0].Line
	}
	return model.LineNone
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
