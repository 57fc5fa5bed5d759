package engine

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/CablePlan/internal/model"
	"github.com/piwi3910/CablePlan/internal/solver"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func batches(c model.Compatibility, hours ...float64) []model.Batch {
	out := make([]model.Batch, len(hours))
	for i, h := range hours {
		out[i] = model.Batch{WorkHours: h, Compatibility: c}
	}
	return out
}

func fixedProject(nr int, delivery time.Time, revenue float64, b []model.Batch) *model.Project {
	return model.NewFixedProject(nr, "fixed", delivery, b, revenue, revenue/10, false)
}

func opportunity(t *testing.T, nr int, delivery time.Time, revenue, margin float64, b []model.Batch) *model.Project {
	t.Helper()
	p, err := model.NewOpportunity(nr, "opportunity", delivery, b, revenue, margin, 0.5, "Vertrags Verhandlung")
	require.NoError(t, err)
	return p
}

func scenarioOf(t *testing.T, projects ...*model.Project) *model.Scenario {
	t.Helper()
	s, err := model.NewScenario(projects)
	require.NoError(t, err)
	return s
}

func filled(projects ...*model.Project) *model.FilledBaseline {
	return &model.FilledBaseline{Projects: projects, Baseline: model.NewBaseline(nil, nil)}
}

func defaultTestConfig() model.AppConfig {
	c := model.DefaultAppConfig()
	// Prove optimality on the tiny test models
	c.MIPGap = 1e-6
	c.SolverTimeLimit = time.Minute
	return c
}

func newTestOptimizer(c model.AppConfig) *Optimizer {
	return New(c, zerolog.Nop())
}

func TestOptimize_EmptyBaseline(t *testing.T) {
	opt := newTestOptimizer(defaultTestConfig())

	s, err := opt.Generate(context.Background(), nil, filled())

	require.NoError(t, err)
	assert.Empty(t, s.Projects)
}

func TestOptimize_SingleFixedProjectOnPlannedWeeks(t *testing.T) {
	delivery := date(2024, time.March, 4)
	p := fixedProject(1, delivery, 1e6, batches(model.CompatBoth, 100, 100))
	opt := newTestOptimizer(defaultTestConfig())

	s, err := opt.Generate(context.Background(), scenarioOf(t, p), filled(p))
	require.NoError(t, err)

	pa, ok := s.Lookup(1)
	require.True(t, ok)
	require.Len(t, pa.Allocations, 2)
	assert.True(t, pa.Included())
	assert.Equal(t, pa.Allocations[0].Line, pa.Allocations[1].Line)
	assert.WithinDuration(t, delivery, pa.Allocations[0].Start, time.Minute)
	// default gap of 21 days plus one production week
	assert.WithinDuration(t, delivery.AddDate(0, 0, 28), pa.Allocations[1].Start, time.Minute)
	assert.InDelta(t, 1e5*objectiveScale, s.Objective, 1e-9)
}

func TestOptimize_ParallelProjectsUseBothLines(t *testing.T) {
	delivery := date(2024, time.March, 4)
	a := fixedProject(1, delivery, 1e6, batches(model.CompatBoth, 168))
	b := fixedProject(2, delivery, 1e6, batches(model.CompatBoth, 168))
	opt := newTestOptimizer(defaultTestConfig())

	s, err := opt.Generate(context.Background(), scenarioOf(t, a, b), filled(a, b))
	require.NoError(t, err)

	pa, _ := s.Lookup(1)
	pb, _ := s.Lookup(2)
	assert.NotEqual(t, pa.Allocations[0].Line, pb.Allocations[0].Line, "both projects should start on time on separate lines")
	assert.WithinDuration(t, delivery, pa.Allocations[0].Start, time.Minute)
	assert.WithinDuration(t, delivery, pb.Allocations[0].Start, time.Minute)
}

func TestOptimize_RespectsLineRestrictions(t *testing.T) {
	delivery := date(2024, time.March, 4)
	a := fixedProject(1, delivery, 1e6, batches(model.CompatLine2Only, 100))
	b := fixedProject(2, delivery, 1e6, batches(model.CompatBoth, 100))
	opt := newTestOptimizer(defaultTestConfig())

	s, err := opt.Generate(context.Background(), scenarioOf(t, a, b), filled(a, b))
	require.NoError(t, err)

	pa, _ := s.Lookup(1)
	pb, _ := s.Lookup(2)
	assert.Equal(t, model.Line2, pa.Allocations[0].Line)
	assert.Equal(t, model.Line1, pb.Allocations[0].Line)
}

func TestOptimize_OpportunityIncludedWhenProfitable(t *testing.T) {
	delivery := date(2024, time.March, 4)
	f := fixedProject(1, delivery, 1e6, batches(model.CompatBoth, 100))
	o := opportunity(t, 2, delivery.AddDate(0, 0, 14), 2e6, 2e5, batches(model.CompatBoth, 100))
	opt := newTestOptimizer(defaultTestConfig())

	s, err := opt.Generate(context.Background(), scenarioOf(t, f, o), filled(f, o))
	require.NoError(t, err)

	po, _ := s.Lookup(2)
	assert.True(t, po.Included())
	assert.InDelta(t, 3e5, s.TotalMargin(), 1e-6)
}

func TestOptimize_LossMakingOpportunityExcluded(t *testing.T) {
	delivery := date(2024, time.March, 4)
	f := fixedProject(1, delivery, 1e6, batches(model.CompatBoth, 100))
	o := opportunity(t, 2, delivery, 2e6, -5e4, batches(model.CompatBoth, 100))
	opt := newTestOptimizer(defaultTestConfig())

	s, err := opt.Generate(context.Background(), scenarioOf(t, f, o), filled(f, o))
	require.NoError(t, err)

	po, _ := s.Lookup(2)
	assert.False(t, po.Included())
	for _, a := range po.Allocations {
		assert.Equal(t, model.LineNone, a.Line)
	}
}

func TestOptimize_IndividualDelayLimit(t *testing.T) {
	// Both lines are busy for the first week with projects that must not move.
	delivery := date(2024, time.March, 4)
	line1 := fixedProject(1, delivery, 0, batches(model.CompatLine1Only, 168))
	line2 := fixedProject(2, delivery, 0, batches(model.CompatLine2Only, 168))
	o := opportunity(t, 3, delivery, 1e6, 5e4, batches(model.CompatBoth, 168))

	tests := []struct {
		name     string
		maxDelay float64
		included bool
	}{
		{"one week delay exceeds limit", 3, false},
		{"one week delay within limit", 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultTestConfig()
			c.Parameters.MaxIndividualDelay = tt.maxDelay
			opt := newTestOptimizer(c)

			s, err := opt.Generate(context.Background(), scenarioOf(t, line1, line2, o), filled(line1, line2, o))
			require.NoError(t, err)

			po, _ := s.Lookup(3)
			assert.Equal(t, tt.included, po.Included())
			if tt.included {
				assert.WithinDuration(t, delivery.AddDate(0, 0, 7), po.Allocations[0].Start, time.Minute)
			}
			pf, _ := s.Lookup(1)
			assert.WithinDuration(t, delivery, pf.Allocations[0].Start, time.Minute)
		})
	}
}

func TestOptimize_InfeasibleFixedProjects(t *testing.T) {
	// Without a gap the horizon ends after one batch; three line 1 batches
	// cannot all start within it.
	c := defaultTestConfig()
	c.Parameters.GapBetweenBatches = 0
	opt := newTestOptimizer(c)

	delivery := date(2024, time.March, 4)
	var projects []*model.Project
	for nr := 1; nr <= 3; nr++ {
		projects = append(projects, fixedProject(nr, delivery, 1e6, batches(model.CompatLine1Only, 180)))
	}

	_, err := opt.Generate(context.Background(), scenarioOf(t, projects...), filled(projects...))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInfeasible)
	assert.ErrorIs(t, err, solver.ErrInfeasible)
}

func TestOptimize_LineConflict(t *testing.T) {
	delivery := date(2024, time.March, 4)
	p := fixedProject(1, delivery, 1e6, []model.Batch{
		{WorkHours: 100, Compatibility: model.CompatLine1Only},
		{WorkHours: 100, Compatibility: model.CompatLine2Only},
	})
	opt := newTestOptimizer(defaultTestConfig())

	_, err := opt.Generate(context.Background(), scenarioOf(t, p), filled(p))
	assert.ErrorIs(t, err, ErrLineConflict)
}

func TestOptimize_CancelledContext(t *testing.T) {
	delivery := date(2024, time.March, 4)
	p := fixedProject(1, delivery, 1e6, batches(model.CompatBoth, 100))
	opt := newTestOptimizer(defaultTestConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := opt.Generate(ctx, scenarioOf(t, p), filled(p))
	assert.ErrorIs(t, err, ErrTimeout)
}

type countingModel struct {
	*solver.BranchAndBound
	optimized int
}

func (m *countingModel) Optimize(ctx context.Context) error {
	m.optimized++
	return m.BranchAndBound.Optimize(ctx)
}

func TestOptimize_UsesModelFactory(t *testing.T) {
	delivery := date(2024, time.March, 4)
	p := fixedProject(1, delivery, 1e6, batches(model.CompatBoth, 100))
	opt := newTestOptimizer(defaultTestConfig())
	m := &countingModel{BranchAndBound: solver.NewBranchAndBound(solver.DefaultOptions())}
	opt.NewModel = func() solver.Model { return m }

	_, err := opt.Generate(context.Background(), scenarioOf(t, p), filled(p))
	require.NoError(t, err)
	assert.Equal(t, 1, m.optimized)
}

// staggeredProjects returns nFixed fixed projects followed by nOpp
// opportunities, each with a 168h and a 60h batch, delivered 9 days apart.
func staggeredProjects(t *testing.T, nFixed, nOpp int) []*model.Project {
	t.Helper()
	first := date(2024, time.March, 4)
	var out []*model.Project
	for i := 0; i < nFixed+nOpp; i++ {
		delivery := first.AddDate(0, 0, 9*i)
		b := batches(model.CompatBoth, 168, 60)
		if i < nFixed {
			out = append(out, fixedProject(i+1, delivery, 1e6, b))
		} else {
			out = append(out, opportunity(t, i+1, delivery, 1e6, 1e5, b))
		}
	}
	return out
}

// assertScheduleInvariants checks a schedule without relying on
// model.Verify: fixed projects are fully allocated, opportunities all or
// nothing on one line, batches of a project in order and no two batches
// overlap on a line.
func assertScheduleInvariants(t *testing.T, s *model.Schedule) {
	t.Helper()
	for _, pa := range s.Projects {
		allocated := 0
		for _, a := range pa.Allocations {
			if a.Allocated() {
				allocated++
				assert.Equal(t, pa.Allocations[0].Line, a.Line, "project %d is split across lines", pa.Project.Nr)
				assert.True(t, a.Batch.Compatibility.Allows(a.Line), "project %d on an incompatible line", pa.Project.Nr)
			}
		}
		if pa.Project.IsFixed() {
			assert.Equal(t, len(pa.Allocations), allocated, "fixed project %d is not fully allocated", pa.Project.Nr)
		} else {
			assert.Contains(t, []int{0, len(pa.Allocations)}, allocated, "opportunity %d is partially allocated", pa.Project.Nr)
		}
		if allocated == 0 {
			continue
		}
		for k := 1; k < len(pa.Allocations); k++ {
			prevEnd := pa.Allocations[k-1].End().Add(-model.OverlapTolerance)
			assert.False(t, pa.Allocations[k].Start.Before(prevEnd), "batch %d of project %d starts before its predecessor ends", k, pa.Project.Nr)
		}
	}
	for _, l := range []model.Line{model.Line1, model.Line2} {
		var busyUntil time.Time
		for k, a := range s.LineLoad(l) {
			if k > 0 {
				assert.False(t, a.Start.Before(busyUntil.Add(-model.OverlapTolerance)), "overlap on %s at %s", l, a.Start)
			}
			if a.End().After(busyUntil) {
				busyUntil = a.End()
			}
		}
	}
}

func TestOptimize_MILPScalesToSeveralProjects(t *testing.T) {
	tests := []struct {
		name        string
		fixed, opps int
	}{
		{"four fixed", 4, 0},
		{"four fixed and two opportunities", 4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultTestConfig()
			c.SolverTimeLimit = 15 * time.Second
			opt := newTestOptimizer(c)
			projects := staggeredProjects(t, tt.fixed, tt.opps)

			s, err := opt.Generate(context.Background(), scenarioOf(t, projects...), filled(projects...))
			require.NoError(t, err)
			require.NoError(t, model.Verify(s))
			assertScheduleInvariants(t, s)

			included := 0
			for _, p := range s.Included() {
				if p.IsFixed() {
					included++
				}
			}
			assert.Equal(t, tt.fixed, included)
		})
	}
}

func TestOptimize_HonoursSolverTimeLimit(t *testing.T) {
	c := defaultTestConfig()
	c.SolverTimeLimit = 2 * time.Second
	opt := newTestOptimizer(c)
	projects := staggeredProjects(t, 8, 4)

	started := time.Now()
	s, err := opt.Generate(context.Background(), scenarioOf(t, projects...), filled(projects...))
	elapsed := time.Since(started)

	assert.Less(t, elapsed, 2*c.SolverTimeLimit, "Generate took %s", elapsed)
	require.NoError(t, err, "the genetic start solution is kept when the limit ends the search")
	assertScheduleInvariants(t, s)
}

func TestOptimize_RandomScenariosKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	compat := []model.Compatibility{model.CompatBoth, model.CompatBoth, model.CompatLine1Only, model.CompatLine2Only}
	first := date(2024, time.March, 4)

	for round := 0; round < 8; round++ {
		var projects []*model.Project
		nFixed, nOpp := 1+rng.Intn(3), rng.Intn(3)
		for i := 0; i < nFixed+nOpp; i++ {
			hours := make([]float64, 1+rng.Intn(2))
			for k := range hours {
				hours[k] = float64(24 + rng.Intn(150))
			}
			b := batches(compat[rng.Intn(len(compat))], hours...)
			delivery := first.AddDate(0, 0, rng.Intn(40))
			if i < nFixed {
				projects = append(projects, fixedProject(i+1, delivery, 1e6, b))
			} else {
				projects = append(projects, opportunity(t, i+1, delivery, 1e6, float64(rng.Intn(3e5)-5e4), b))
			}
		}

		for _, alg := range []model.Algorithm{model.AlgorithmMILP, model.AlgorithmGenetic} {
			c := defaultTestConfig()
			c.Algorithm = alg
			c.SolverTimeLimit = 3 * time.Second
			opt := newTestOptimizer(c)

			s, err := opt.Generate(context.Background(), scenarioOf(t, projects...), filled(projects...))
			if errors.Is(err, ErrInfeasible) || errors.Is(err, ErrTimeout) {
				t.Logf("round %d %s: %v", round, alg, err)
				continue
			}
			require.NoError(t, err, "round %d %s", round, alg)
			assertScheduleInvariants(t, s)
		}
	}
}

type failingModel struct {
	*solver.BranchAndBound
}

func (m failingModel) Optimize(context.Context) error {
	return errors.New("numerical trouble")
}

func TestOptimize_FallsBackToGeneticOnSolverFailure(t *testing.T) {
	projects := staggeredProjects(t, 2, 1)
	opt := newTestOptimizer(defaultTestConfig())
	opt.NewModel = func() solver.Model {
		return failingModel{solver.NewBranchAndBound(solver.DefaultOptions())}
	}

	s, err := opt.Generate(context.Background(), scenarioOf(t, projects...), filled(projects...))
	require.NoError(t, err)
	assertScheduleInvariants(t, s)
	assert.Len(t, s.Projects, 3)
}

func TestPlan_DisjointWindowsArePruned(t *testing.T) {
	delivery := date(2024, time.March, 4)
	params := model.DefaultParameters()
	params.MaxIndividualDelay = 7
	f := fixedProject(1, delivery, 1e6, batches(model.CompatBoth, 240, 48))
	o := opportunity(t, 2, delivery, 1e6, 1e5, batches(model.CompatBoth, 24))

	p, err := newPlan(params, delivery, []*model.Project{f, o})
	require.NoError(t, err)

	// the opportunity ends by day 8, the second fixed batch starts on day 10
	assert.True(t, p.disjoint(1, 0, 0, 1))
	assert.True(t, p.disjoint(0, 1, 1, 0))
	assert.False(t, p.disjoint(0, 0, 1, 0))

	params.MaxIndividualDelay = 0
	p, err = newPlan(params, delivery, []*model.Project{f, o})
	require.NoError(t, err)
	assert.False(t, p.disjoint(1, 0, 0, 1), "without a delay limit the opportunity may move anywhere")
}
