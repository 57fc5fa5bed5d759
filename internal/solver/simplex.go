package solver

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// pivotTol is the smallest tableau entry accepted as a pivot.
	pivotTol = 1e-9
	// costTol is the relative reduced-cost tolerance for optimality.
	costTol = 1e-9
	// zeroTol clamps basic values that drift just below a bound.
	zeroTol = 1e-11
	// blandAfter is the number of consecutive degenerate pivots after which
	// the entering column is chosen by Bland's rule.
	blandAfter = 50
	// ctxEvery is the number of iterations between context checks.
	ctxEvery = 16
)

var (
	errLPInfeasible = errors.New("solver: relaxation is infeasible")
	errLPUnbounded  = errors.New("solver: relaxation is unbounded")
	errLPStalled    = errors.New("solver: simplex iteration limit reached")
)

// lpRow is one constraint of a relaxation over the shifted columns.
type lpRow struct {
	cols  []int
	coefs []float64
	sense Sense
	rhs   float64
}

// tableau is a dense bounded-variable simplex tableau. Every column y has
// bounds 0 ≤ y ≤ upper; a nonbasic column sits at one of its bounds.
type tableau struct {
	m, n    int
	t       *mat.Dense // B⁻¹A, nil without rows
	beta    []float64  // value of the basic column of each row
	d       []float64  // reduced costs
	basis   []int      // basic column of each row
	row     []int      // row of a basic column, -1 when nonbasic
	upper   []float64
	atUpper []bool
	blocked []bool // columns that may not enter the basis

	artificial []int
	iterations int
	maxIter    int
}

// newTableau builds the phase I tableau for nc structural columns with the
// given upper bounds. Rows are flipped to a nonnegative right hand side.
// Each row starts with its slack in the basis when the slack has a
// positive sign, otherwise with an artificial column.
func newTableau(upper []float64, rows []lpRow) *tableau {
	nc, m := len(upper), len(rows)
	slackOf := make([]int, m)
	n := nc
	for i, r := range rows {
		slackOf[i] = -1
		if r.sense != Equal {
			slackOf[i] = n
			n++
		}
	}
	flip := make([]float64, m)
	needArt := make([]bool, m)
	for i, r := range rows {
		flip[i] = 1
		if r.rhs < 0 {
			flip[i] = -1
		}
		sign := 1.0
		if r.sense == GreaterEqual {
			sign = -1
		}
		needArt[i] = r.sense == Equal || sign*flip[i] < 0
	}
	artOf := make([]int, m)
	for i := range rows {
		artOf[i] = -1
		if needArt[i] {
			artOf[i] = n
			n++
		}
	}

	tb := &tableau{
		m:       m,
		n:       n,
		beta:    make([]float64, m),
		d:       make([]float64, n),
		basis:   make([]int, m),
		row:     make([]int, n),
		upper:   make([]float64, n),
		atUpper: make([]bool, n),
		blocked: make([]bool, n),
		maxIter: 50*(m+n) + 1000,
	}
	copy(tb.upper, upper)
	for j := nc; j < n; j++ {
		tb.upper[j] = math.Inf(1)
	}
	for j := range tb.row {
		tb.row[j] = -1
	}
	if m == 0 {
		return tb
	}

	tb.t = mat.NewDense(m, n, nil)
	for i, r := range rows {
		f := flip[i]
		for k, col := range r.cols {
			tb.t.Set(i, col, tb.t.At(i, col)+f*r.coefs[k])
		}
		if s := slackOf[i]; s >= 0 {
			sign := 1.0
			if r.sense == GreaterEqual {
				sign = -1
			}
			tb.t.Set(i, s, f*sign)
		}
		tb.beta[i] = f * r.rhs
		if a := artOf[i]; a >= 0 {
			tb.t.Set(i, a, 1)
			tb.basis[i] = a
			tb.artificial = append(tb.artificial, a)
		} else {
			tb.basis[i] = slackOf[i]
		}
		tb.row[tb.basis[i]] = i
	}
	return tb
}

// solve runs both simplex phases for the cost vector over the structural
// columns and returns their values.
func (tb *tableau) solve(ctx context.Context, cost []float64) ([]float64, error) {
	if len(tb.artificial) > 0 {
		phase1 := make([]float64, tb.n)
		for _, a := range tb.artificial {
			phase1[a] = 1
		}
		if err := tb.run(ctx, phase1); err != nil {
			return nil, err
		}
		var infeas, scale float64
		for i, j := range tb.basis {
			if phase1[j] > 0 {
				infeas += tb.beta[i]
			}
			scale += math.Abs(tb.beta[i])
		}
		if infeas > feasTol*(1+scale) {
			return nil, errLPInfeasible
		}
		// artificials stay at zero from here on
		for _, a := range tb.artificial {
			tb.upper[a] = 0
			tb.blocked[a] = true
			if r := tb.row[a]; r >= 0 {
				tb.beta[r] = 0
			}
		}
	}

	c := make([]float64, tb.n)
	copy(c, cost)
	if err := tb.run(ctx, c); err != nil {
		return nil, err
	}

	x := make([]float64, len(cost))
	for j := range x {
		x[j] = tb.value(j)
	}
	return x, nil
}

func (tb *tableau) value(j int) float64 {
	v := 0.0
	switch {
	case tb.row[j] >= 0:
		v = tb.beta[tb.row[j]]
	case tb.atUpper[j]:
		v = tb.upper[j]
	}
	return math.Min(tb.upper[j], math.Max(0, v))
}

// price computes the reduced costs of cost for the current basis.
func (tb *tableau) price(cost []float64) {
	copy(tb.d, cost)
	for i, b := range tb.basis {
		if cb := cost[b]; cb != 0 {
			floats.AddScaled(tb.d, -cb, tb.t.RawRowView(i))
		}
	}
	for _, b := range tb.basis {
		tb.d[b] = 0
	}
}

// run minimizes cost from the current basic solution.
func (tb *tableau) run(ctx context.Context, cost []float64) error {
	if tb.m > 0 {
		tb.price(cost)
	} else {
		copy(tb.d, cost)
	}
	tol := costTol * (1 + floats.Norm(cost, math.Inf(1)))

	degenerate := 0
	for {
		if tb.iterations%ctxEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if tb.iterations >= tb.maxIter {
			return errLPStalled
		}
		tb.iterations++

		j, dir := tb.entering(tol, degenerate > blandAfter)
		if j < 0 {
			return nil
		}
		r, step := tb.ratio(j, dir, degenerate > blandAfter)
		if math.IsInf(step, 1) {
			return errLPUnbounded
		}
		if step <= zeroTol {
			degenerate++
		} else {
			degenerate = 0
		}

		entered := step
		if tb.atUpper[j] {
			entered = tb.upper[j] - step
		}
		for i := 0; i < tb.m; i++ {
			if a := tb.t.At(i, j); a != 0 {
				tb.beta[i] = clampZero(tb.beta[i] - dir*a*step)
			}
		}
		if r < 0 {
			tb.atUpper[j] = !tb.atUpper[j]
			continue
		}
		tb.pivot(r, j, dir, entered)
	}
}

// entering returns a nonbasic column whose move improves the objective and
// the direction of the move, or -1 at an optimum. Without bland the column
// with the largest reduced cost wins, with bland the first eligible one.
func (tb *tableau) entering(tol float64, bland bool) (int, float64) {
	best, dir, score := -1, 0.0, 0.0
	for j := 0; j < tb.n; j++ {
		if tb.row[j] >= 0 || tb.blocked[j] || tb.upper[j] <= fixedTol {
			continue
		}
		var s, dj float64
		switch {
		case !tb.atUpper[j] && tb.d[j] < -tol:
			s, dj = -tb.d[j], 1
		case tb.atUpper[j] && tb.d[j] > tol:
			s, dj = tb.d[j], -1
		default:
			continue
		}
		if bland {
			return j, dj
		}
		if s > score {
			best, dir, score = j, dj, s
		}
	}
	return best, dir
}

// ratio returns the row that leaves the basis when column j moves in
// direction dir, and the step length. Row -1 means j reaches its own
// opposite bound first.
func (tb *tableau) ratio(j int, dir float64, bland bool) (int, float64) {
	leave, step, pivot := -1, tb.upper[j], 0.0
	for i := 0; i < tb.m; i++ {
		alpha := dir * tb.t.At(i, j)
		var t float64
		switch {
		case alpha > pivotTol:
			t = tb.beta[i] / alpha
		case alpha < -pivotTol && !math.IsInf(tb.upper[tb.basis[i]], 1):
			t = (tb.upper[tb.basis[i]] - tb.beta[i]) / -alpha
		default:
			continue
		}
		t = math.Max(0, t)
		switch {
		case t < step-zeroTol:
		case t <= step+zeroTol && leave >= 0:
			// tie between rows
			if bland {
				if tb.basis[i] > tb.basis[leave] {
					continue
				}
			} else if math.Abs(alpha) <= pivot {
				continue
			}
		default:
			continue
		}
		leave, step, pivot = i, t, math.Abs(alpha)
	}
	return leave, step
}

// pivot brings column j into the basis in row r. The leaving column goes to
// the bound it reached.
func (tb *tableau) pivot(r, j int, dir, entered float64) {
	leaving := tb.basis[r]
	tb.atUpper[leaving] = dir*tb.t.At(r, j) < 0
	tb.row[leaving] = -1

	pr := tb.t.RawRowView(r)
	floats.Scale(1/pr[j], pr)
	pr[j] = 1
	for i := 0; i < tb.m; i++ {
		if i == r {
			continue
		}
		ri := tb.t.RawRowView(i)
		if f := ri[j]; f != 0 {
			floats.AddScaled(ri, -f, pr)
			ri[j] = 0
		}
	}
	if f := tb.d[j]; f != 0 {
		floats.AddScaled(tb.d, -f, pr)
		tb.d[j] = 0
	}

	tb.basis[r] = j
	tb.row[j] = r
	tb.atUpper[j] = false
	tb.beta[r] = entered
}

func clampZero(v float64) float64 {
	if v < 0 && v > -zeroTol {
		return 0
	}
	return v
}
