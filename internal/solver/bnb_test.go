package solver

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimize_PureLP(t *testing.T) {
	m := NewBranchAndBound(DefaultOptions())
	x := m.AddVar(0, 10, Continuous, "x")
	y := m.AddVar(0, 10, Continuous, "y")
	m.AddConstr(NewExpr().Add(x, 1).Add(y, 2), LessEqual, 4, "c1")
	m.AddConstr(NewExpr().Add(x, 3).Add(y, 1), LessEqual, 6, "c2")
	m.SetObjective(NewExpr().Add(x, 1).Add(y, 1), Maximize)

	require.NoError(t, m.Optimize(context.Background()))
	assert.InDelta(t, 1.6, m.Value(x), 1e-6)
	assert.InDelta(t, 1.2, m.Value(y), 1e-6)
	assert.InDelta(t, 2.8, m.ObjectiveValue(), 1e-6)
	assert.Equal(t, StatusOptimal, m.Status())
}

func TestOptimize_Knapsack(t *testing.T) {
	values := []float64{10, 13, 7, 8}
	weights := []float64{5, 6, 3, 4}

	m := NewBranchAndBound(DefaultOptions())
	obj := NewExpr()
	capacity := NewExpr()
	items := make([]Var, len(values))
	for i := range values {
		items[i] = m.AddVar(0, 1, Binary, "item")
		obj.Add(items[i], values[i])
		capacity.Add(items[i], weights[i])
	}
	m.AddConstr(capacity, LessEqual, 10, "capacity")
	m.SetObjective(obj, Maximize)

	require.NoError(t, m.Optimize(context.Background()))
	assert.InDelta(t, 21, m.ObjectiveValue(), 1e-6)
	assert.Equal(t, 0.0, m.Value(items[0]))
	assert.Equal(t, 1.0, m.Value(items[1]))
	assert.Equal(t, 0.0, m.Value(items[2]))
	assert.Equal(t, 1.0, m.Value(items[3]))
}

func TestOptimize_Equality(t *testing.T) {
	m := NewBranchAndBound(DefaultOptions())
	x := m.AddVar(0, 10, Continuous, "x")
	y := m.AddVar(0, 10, Continuous, "y")
	m.AddConstr(NewExpr().Add(x, 1).Add(y, 1), Equal, 3, "sum")
	m.AddConstr(NewExpr().Add(x, 1).Add(y, -1), GreaterEqual, 1, "diff")
	m.SetObjective(NewExpr().Add(x, 2).Add(y, 1), Minimize)

	require.NoError(t, m.Optimize(context.Background()))
	assert.InDelta(t, 2, m.Value(x), 1e-6)
	assert.InDelta(t, 1, m.Value(y), 1e-6)
	assert.InDelta(t, 5, m.ObjectiveValue(), 1e-6)
}

func TestOptimize_Infeasible(t *testing.T) {
	m := NewBranchAndBound(DefaultOptions())
	a := m.AddVar(0, 1, Binary, "a")
	b := m.AddVar(0, 1, Binary, "b")
	m.AddConstr(NewExpr().Add(a, 1).Add(b, 1), GreaterEqual, 3, "impossible")
	m.SetObjective(NewExpr().Add(a, 1), Maximize)

	err := m.Optimize(context.Background())
	assert.ErrorIs(t, err, ErrInfeasible)
	assert.True(t, math.IsNaN(m.Value(a)))
}

func TestOptimize_IntegerInfeasible(t *testing.T) {
	// 2a + 2b = 1 has the fractional solution a = 0.5 but no binary one
	m := NewBranchAndBound(DefaultOptions())
	a := m.AddVar(0, 1, Binary, "a")
	b := m.AddVar(0, 1, Binary, "b")
	m.AddConstr(NewExpr().Add(a, 2).Add(b, 2), Equal, 1, "odd")
	m.SetObjective(NewExpr().Add(a, 1), Maximize)

	assert.ErrorIs(t, m.Optimize(context.Background()), ErrInfeasible)
}

func TestOptimize_Unbounded(t *testing.T) {
	m := NewBranchAndBound(DefaultOptions())
	x := m.AddVar(0, Inf, Continuous, "x")
	y := m.AddVar(0, Inf, Continuous, "y")
	m.AddConstr(NewExpr().Add(x, 1).Add(y, -1), LessEqual, 1, "c")
	m.SetObjective(NewExpr().Add(x, 1), Maximize)

	assert.ErrorIs(t, m.Optimize(context.Background()), ErrUnbounded)
}

func TestOptimize_UnusedUnboundedVariable(t *testing.T) {
	m := NewBranchAndBound(DefaultOptions())
	x := m.AddVar(0, 5, Continuous, "x")
	free := m.AddVar(2, Inf, Continuous, "free")
	m.SetObjective(NewExpr().Add(x, 1).Add(free, -1), Maximize)

	require.NoError(t, m.Optimize(context.Background()))
	assert.InDelta(t, 5, m.Value(x), 1e-9)
	assert.InDelta(t, 2, m.Value(free), 1e-9)
}

func TestOptimize_CancelledContext(t *testing.T) {
	m := NewBranchAndBound(DefaultOptions())
	x := m.AddVar(0, 1, Binary, "x")
	m.SetObjective(NewExpr().Add(x, 1), Maximize)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Optimize(ctx), ErrTimeLimit)
}

func TestOptimize_DisjunctiveScheduling(t *testing.T) {
	// Two jobs on one machine, durations 3 and 2. Minimising the sum of
	// start times puts the short job first.
	const bigM = 20.0
	m := NewBranchAndBound(DefaultOptions())
	s1 := m.AddVar(0, 10, Continuous, "s1")
	s2 := m.AddVar(0, 10, Continuous, "s2")
	z := m.AddVar(0, 1, Binary, "z") // 1 = job 2 before job 1

	// job 1 before job 2 unless z
	m.AddConstr(NewExpr().Add(s1, 1).Add(s2, -1).Add(z, -bigM), LessEqual, -3, "1<2")
	// job 2 before job 1 if z
	m.AddConstr(NewExpr().Add(s2, 1).Add(s1, -1).Add(z, bigM), LessEqual, bigM-2, "2<1")
	m.SetObjective(NewExpr().Add(s1, 1).Add(s2, 1), Minimize)

	require.NoError(t, m.Optimize(context.Background()))
	assert.InDelta(t, 2, m.ObjectiveValue(), 1e-6)
	assert.Equal(t, 1.0, m.Value(z))
	assert.InDelta(t, 2, m.Value(s1), 1e-6)
	assert.InDelta(t, 0, m.Value(s2), 1e-6)
}

func TestOptimize_MaxLinearization(t *testing.T) {
	// v = max(0, x - 2) with a binary switch; minimising v + 0.1x with
	// x >= 5 gives x = 5, v = 3.
	const bigM = 100.0
	m := NewBranchAndBound(DefaultOptions())
	x := m.AddVar(0, 10, Continuous, "x")
	v := m.AddVar(0, Inf, Continuous, "v")
	d := m.AddVar(0, 1, Binary, "d")
	m.AddConstr(NewExpr().Add(x, 1), GreaterEqual, 5, "x>=5")
	m.AddConstr(NewExpr().Add(v, 1).Add(x, -1), GreaterEqual, -2, "v>=x-2")
	m.AddConstr(NewExpr().Add(v, 1).Add(x, -1).Add(d, -bigM), LessEqual, -2, "v<=x-2+Md")
	m.AddConstr(NewExpr().Add(v, 1).Add(d, bigM), LessEqual, bigM, "v<=M(1-d)")
	m.SetObjective(NewExpr().Add(v, 1).Add(x, 0.1), Minimize)

	require.NoError(t, m.Optimize(context.Background()))
	assert.InDelta(t, 5, m.Value(x), 1e-6)
	assert.InDelta(t, 3, m.Value(v), 1e-6)
	assert.Equal(t, 0.0, m.Value(d))
}

func TestOptimize_PriorityBranching(t *testing.T) {
	m := NewBranchAndBound(DefaultOptions())
	a := m.AddVar(0, 1, Binary, "a")
	b := m.AddVar(0, 1, Binary, "b")
	m.SetPriority(a, 10)
	m.AddConstr(NewExpr().Add(a, 2).Add(b, 2), LessEqual, 3, "cap")
	m.SetObjective(NewExpr().Add(a, 3).Add(b, 2), Maximize)

	require.NoError(t, m.Optimize(context.Background()))
	assert.InDelta(t, 3, m.ObjectiveValue(), 1e-6)
	assert.Equal(t, 1.0, m.Value(a))
}

func TestAddConstr_MergesDuplicateTerms(t *testing.T) {
	m := NewBranchAndBound(DefaultOptions())
	x := m.AddVar(0, 10, Continuous, "x")
	m.AddConstr(NewExpr().Add(x, 1).Add(x, 1).AddConstant(1), LessEqual, 5, "2x+1<=5")
	m.SetObjective(NewExpr().Add(x, 1), Maximize)

	require.NoError(t, m.Optimize(context.Background()))
	assert.InDelta(t, 2, m.Value(x), 1e-6)
	assert.Equal(t, 1, m.NumConstrs())
}

func TestValidate_RejectsInfiniteLowerBound(t *testing.T) {
	m := NewBranchAndBound(DefaultOptions())
	m.AddVar(math.Inf(-1), 0, Continuous, "x")
	assert.Error(t, m.Optimize(context.Background()))
}

func TestExprEval(t *testing.T) {
	e := NewExpr().Add(0, 2).Add(1, -1).AddConstant(4)
	other := NewExpr().Add(1, 3)
	e.AddExpr(other, 2)
	got := e.Eval(func(v Var) float64 { return float64(v) + 1 })
	// 2*1 - 1*2 + 4 + 6*2
	assert.InDelta(t, 16, got, 1e-12)
}

func TestOptimize_DegenerateAssignment(t *testing.T) {
	// The row and column sums of an assignment problem are linearly
	// dependent, so one artificial stays basic at zero after phase I.
	cost := [3][3]float64{{4, 1, 3}, {2, 0, 5}, {3, 2, 2}}
	m := NewBranchAndBound(DefaultOptions())
	var x [3][3]Var
	obj := NewExpr()
	for i := range cost {
		for j := range cost[i] {
			x[i][j] = m.AddVar(0, Inf, Continuous, "x")
			obj.Add(x[i][j], cost[i][j])
		}
	}
	for i := 0; i < 3; i++ {
		row, col := NewExpr(), NewExpr()
		for j := 0; j < 3; j++ {
			row.Add(x[i][j], 1)
			col.Add(x[j][i], 1)
		}
		m.AddConstr(row, Equal, 1, "row")
		m.AddConstr(col, Equal, 1, "col")
	}
	m.SetObjective(obj, Minimize)

	require.NoError(t, m.Optimize(context.Background()))
	assert.InDelta(t, 5, m.ObjectiveValue(), 1e-6)
	assert.InDelta(t, 1, m.Value(x[0][1]), 1e-6)
	assert.InDelta(t, 1, m.Value(x[1][0]), 1e-6)
	assert.InDelta(t, 1, m.Value(x[2][2]), 1e-6)
}

func TestOptimize_ManyDisjunctions(t *testing.T) {
	// Four unit jobs on one machine; every pair gets an order binary. The
	// optimum runs them back to back from time 0.
	const n, bigM = 4, 50.0
	m := NewBranchAndBound(DefaultOptions())
	starts := make([]Var, n)
	obj := NewExpr()
	for i := range starts {
		starts[i] = m.AddVar(0, 40, Continuous, "s")
		obj.Add(starts[i], 1)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			z := m.AddVar(0, 1, Binary, "z")
			m.AddConstr(NewExpr().Add(starts[i], 1).Add(starts[j], -1).Add(z, -bigM), LessEqual, -1, "i<j")
			m.AddConstr(NewExpr().Add(starts[j], 1).Add(starts[i], -1).Add(z, bigM), LessEqual, bigM-1, "j<i")
		}
	}
	m.SetObjective(obj, Minimize)

	require.NoError(t, m.Optimize(context.Background()))
	// 0 + 1 + 2 + 3
	assert.InDelta(t, 6, m.ObjectiveValue(), 1e-6)
	seen := map[int]bool{}
	for _, s := range starts {
		v := m.Value(s)
		assert.InDelta(t, math.Round(v), v, 1e-6)
		seen[int(math.Round(v))] = true
	}
	assert.Len(t, seen, n)
}

func TestOptimize_BoundsWithoutRows(t *testing.T) {
	m := NewBranchAndBound(DefaultOptions())
	x := m.AddVar(1, 4, Continuous, "x")
	y := m.AddVar(-2, 3, Continuous, "y")
	m.SetObjective(NewExpr().Add(x, 2).Add(y, -1), Maximize)

	require.NoError(t, m.Optimize(context.Background()))
	assert.InDelta(t, 4, m.Value(x), 1e-9)
	assert.InDelta(t, -2, m.Value(y), 1e-9)
	assert.InDelta(t, 10, m.ObjectiveValue(), 1e-9)
}

func TestTableau_StopsOnCancelledContext(t *testing.T) {
	tb := newTableau([]float64{10, 10}, []lpRow{
		{cols: []int{0, 1}, coefs: []float64{1, 1}, sense: GreaterEqual, rhs: 3},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tb.solve(ctx, []float64{1, 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTableau_PhaseOneDetectsInfeasibility(t *testing.T) {
	tb := newTableau([]float64{1, 1}, []lpRow{
		{cols: []int{0, 1}, coefs: []float64{1, 1}, sense: GreaterEqual, rhs: 3},
	})
	_, err := tb.solve(context.Background(), []float64{1, 1})
	assert.ErrorIs(t, err, errLPInfeasible)
}

func TestTableau_NegativeRightHandSide(t *testing.T) {
	// -x - y <= -2 is flipped to x + y >= 2
	tb := newTableau([]float64{Inf, Inf}, []lpRow{
		{cols: []int{0, 1}, coefs: []float64{-1, -1}, sense: LessEqual, rhs: -2},
	})
	x, err := tb.solve(context.Background(), []float64{3, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0, x[0], 1e-9)
	assert.InDelta(t, 2, x[1], 1e-9)
}

func knapsack() (*BranchAndBound, []Var) {
	values := []float64{10, 13, 7, 8}
	weights := []float64{5, 6, 3, 4}
	m := NewBranchAndBound(DefaultOptions())
	obj, capacity := NewExpr(), NewExpr()
	items := make([]Var, len(values))
	for i := range values {
		items[i] = m.AddVar(0, 1, Binary, "item")
		obj.Add(items[i], values[i])
		capacity.Add(items[i], weights[i])
	}
	m.AddConstr(capacity, LessEqual, 10, "capacity")
	m.SetObjective(obj, Maximize)
	return m, items
}

func TestOptimize_StartSolutionSurvivesDeadline(t *testing.T) {
	m, items := knapsack()
	m.SetStart(items[0], 1)
	m.SetStart(items[2], 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, m.Optimize(ctx))
	assert.Equal(t, StatusInterrupted, m.Status())
	assert.InDelta(t, 17, m.ObjectiveValue(), 1e-9)
	assert.Equal(t, 1.0, m.Value(items[0]))
	assert.Equal(t, 0.0, m.Value(items[1]))
}

func TestOptimize_StartSolutionImproved(t *testing.T) {
	m, items := knapsack()
	m.SetStart(items[2], 1)

	require.NoError(t, m.Optimize(context.Background()))
	assert.Equal(t, StatusOptimal, m.Status())
	assert.InDelta(t, 21, m.ObjectiveValue(), 1e-6)
}

func TestOptimize_InfeasibleStartIgnored(t *testing.T) {
	m, items := knapsack()
	for _, v := range items {
		m.SetStart(v, 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Optimize(ctx), ErrTimeLimit)
}
