package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
)

const (
	// feasTol is the relative tolerance used when checking constraints.
	feasTol = 1e-6
	// fixedTol is the bound width below which a variable counts as fixed.
	fixedTol = 1e-12
)

// Options configures a BranchAndBound solver.
type Options struct {
	// MIPGap is the relative distance to the incumbent below which a node
	// is not explored further.
	MIPGap float64
	// IntTol is the distance from 0 or 1 at which a binary counts as integral.
	IntTol float64
	// MaxNodes stops the search after that many nodes. 0 means no limit.
	MaxNodes int
	Logger   zerolog.Logger
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		MIPGap: 1e-4,
		IntTol: 1e-6,
		Logger: zerolog.Nop(),
	}
}

// Stats reports the work done by the last Optimize call.
type Stats struct {
	Nodes       int
	Relaxations int
	Iterations  int // simplex iterations over all relaxations
	Incumbents  int
}

type variable struct {
	lb, ub   float64
	typ      VarType
	name     string
	priority int
}

type constraint struct {
	terms []Term // one term per variable, ordered by variable
	sense Sense
	rhs   float64
	name  string
}

// node is one subproblem of the search tree, described by its variable bounds.
type node struct {
	lb, ub []float64
	depth  int
}

func (n node) child(j int, value float64) node {
	lb := append([]float64(nil), n.lb...)
	ub := append([]float64(nil), n.ub...)
	lb[j], ub[j] = value, value
	return node{lb: lb, ub: ub, depth: n.depth + 1}
}

// BranchAndBound solves mixed binary programs by depth-first branch and
// bound. Each node relaxation is solved from scratch with a bounded-variable
// simplex on a gonum dense tableau, which checks ctx between iterations.
type BranchAndBound struct {
	opts Options

	vars    []variable
	cons    []constraint
	objExpr *Expr
	dir     Direction

	colRows [][]int
	start   []float64 // NaN where no start value was given

	solution []float64
	status   Status
	stats    Stats
}

var (
	_ Model   = (*BranchAndBound)(nil)
	_ Starter = (*BranchAndBound)(nil)
)

// NewBranchAndBound creates an empty model.
func NewBranchAndBound(opts Options) *BranchAndBound {
	if opts.IntTol <= 0 {
		opts.IntTol = 1e-6
	}
	if opts.MIPGap < 0 {
		opts.MIPGap = 0
	}
	return &BranchAndBound{opts: opts, objExpr: NewExpr()}
}

func (b *BranchAndBound) AddVar(lb, ub float64, typ VarType, name string) Var {
	if typ == Binary {
		lb = math.Max(lb, 0)
		ub = math.Min(ub, 1)
	}
	b.vars = append(b.vars, variable{lb: lb, ub: ub, typ: typ, name: name})
	return Var(len(b.vars) - 1)
}

// SetStart records the start value of v. Variables without a value start
// at their lower bound.
func (b *BranchAndBound) SetStart(v Var, value float64) {
	for len(b.start) < len(b.vars) {
		b.start = append(b.start, math.NaN())
	}
	b.start[v] = value
}

func (b *BranchAndBound) SetPriority(v Var, priority int) {
	b.vars[v].priority = priority
}

func (b *BranchAndBound) AddConstr(e *Expr, sense Sense, rhs float64, name string) {
	b.cons = append(b.cons, constraint{
		terms: mergeTerms(e.terms),
		sense: sense,
		rhs:   rhs - e.constant,
		name:  name,
	})
}

func (b *BranchAndBound) SetObjective(e *Expr, dir Direction) {
	b.objExpr = e
	b.dir = dir
}

func (b *BranchAndBound) NumVars() int    { return len(b.vars) }
func (b *BranchAndBound) NumConstrs() int { return len(b.cons) }
func (b *BranchAndBound) Stats() Stats    { return b.stats }
func (b *BranchAndBound) Status() Status  { return b.status }

// Value returns the value of v in the best solution found, or NaN before a
// successful Optimize.
func (b *BranchAndBound) Value(v Var) float64 {
	if b.solution == nil || int(v) >= len(b.solution) {
		return math.NaN()
	}
	return b.solution[v]
}

// ObjectiveValue returns the objective of the best solution found.
func (b *BranchAndBound) ObjectiveValue() float64 {
	if b.solution == nil {
		return math.NaN()
	}
	return b.objExpr.Eval(func(v Var) float64 { return b.solution[v] })
}

// Optimize runs the branch and bound search. It returns ErrInfeasible when
// no integral solution exists and ErrUnbounded when the root relaxation is
// unbounded. When ctx is done or the node limit is reached the best
// solution so far is kept and Status reports StatusInterrupted; without a
// solution ErrTimeLimit is returned.
func (b *BranchAndBound) Optimize(ctx context.Context) error {
	b.solution = nil
	b.status = StatusUnsolved
	b.stats = Stats{}
	if err := b.validate(); err != nil {
		return err
	}

	n := len(b.vars)
	sign := 1.0
	if b.dir == Maximize {
		sign = -1
	}
	cost := make([]float64, n)
	for _, t := range b.objExpr.terms {
		cost[t.Var] += sign * t.Coef
	}
	objConst := sign * b.objExpr.constant
	b.buildColumnIndex()

	root := node{lb: make([]float64, n), ub: make([]float64, n)}
	for j, v := range b.vars {
		root.lb[j], root.ub[j] = v.lb, v.ub
	}

	log := b.opts.Logger
	stack := []node{root}
	var best []float64
	bestVal := math.Inf(1)
	interrupted := false
	if xs, ok := b.startSolution(); ok {
		best, bestVal = xs, dot(cost, xs)+objConst
		b.stats.Incumbents++
		log.Debug().Float64("objective", sign*bestVal).Msg("start solution accepted")
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			if best == nil {
				return fmt.Errorf("%w: %v", ErrTimeLimit, err)
			}
			interrupted = true
			break
		}
		if b.opts.MaxNodes > 0 && b.stats.Nodes >= b.opts.MaxNodes {
			if best == nil {
				return fmt.Errorf("%w: node limit %d reached", ErrTimeLimit, b.opts.MaxNodes)
			}
			interrupted = true
			break
		}

		nd := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		b.stats.Nodes++
		isRoot := b.stats.Nodes == 1

		x, val, err := b.relax(ctx, nd.lb, nd.ub, cost, objConst)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				if best == nil {
					return fmt.Errorf("%w: %v", ErrTimeLimit, ctx.Err())
				}
				interrupted = true
			case errors.Is(err, errLPInfeasible):
				continue
			case errors.Is(err, errLPUnbounded):
				if isRoot {
					return ErrUnbounded
				}
				continue
			default:
				if isRoot {
					return fmt.Errorf("solver: root relaxation failed: %w", err)
				}
				log.Debug().Err(err).Int("depth", nd.depth).Msg("relaxation failed, pruning node")
				continue
			}
			break
		}

		if best != nil && val >= bestVal-b.gap(bestVal) {
			continue
		}

		j := b.branchVariable(x, nd)
		if j < 0 {
			best, bestVal = roundBinaries(b.vars, x), val
			b.stats.Incumbents++
			log.Debug().Float64("objective", sign*bestVal).Int("node", b.stats.Nodes).Msg("new incumbent")
			continue
		}

		if xs, ok := b.snap(x, nd); ok {
			v := dot(cost, xs) + objConst
			if best == nil || v < bestVal-b.gap(bestVal) {
				best, bestVal = xs, v
				b.stats.Incumbents++
				log.Debug().Float64("objective", sign*bestVal).Int("node", b.stats.Nodes).Msg("new incumbent from rounding")
			}
			if v <= val+feasTol*(1+math.Abs(val)) {
				// the rounded point attains the node bound
				continue
			}
		}

		down, up := nd.child(j, 0), nd.child(j, 1)
		if x[j] >= 0.5 {
			stack = append(stack, down, up)
		} else {
			stack = append(stack, up, down)
		}
	}

	if best == nil {
		return ErrInfeasible
	}
	b.solution = best
	b.status = StatusOptimal
	if interrupted {
		b.status = StatusInterrupted
	}
	log.Debug().
		Int("nodes", b.stats.Nodes).
		Int("relaxations", b.stats.Relaxations).
		Int("iterations", b.stats.Iterations).
		Float64("objective", b.ObjectiveValue()).
		Bool("interrupted", interrupted).
		Msg("branch and bound finished")
	return nil
}

// startSolution completes the start values and reports whether they form a
// feasible solution.
func (b *BranchAndBound) startSolution() ([]float64, bool) {
	if len(b.start) == 0 {
		return nil, false
	}
	xs := make([]float64, len(b.vars))
	for j, v := range b.vars {
		xs[j] = v.lb
		if j < len(b.start) && !math.IsNaN(b.start[j]) {
			xs[j] = b.start[j]
		}
		tol := feasTol * (1 + math.Abs(xs[j]))
		if xs[j] < v.lb-tol || xs[j] > v.ub+tol {
			return nil, false
		}
		if v.typ == Binary {
			if math.Abs(xs[j]-math.Round(xs[j])) > b.opts.IntTol {
				return nil, false
			}
			xs[j] = math.Round(xs[j])
		}
		xs[j] = math.Min(v.ub, math.Max(v.lb, xs[j]))
	}
	for i := range b.cons {
		if !b.rowSatisfied(i, xs) {
			return nil, false
		}
	}
	return xs, true
}

func (b *BranchAndBound) gap(incumbent float64) float64 {
	return math.Max(1e-9, b.opts.MIPGap*math.Abs(incumbent))
}

func (b *BranchAndBound) validate() error {
	for _, v := range b.vars {
		if math.IsNaN(v.lb) || math.IsNaN(v.ub) {
			return fmt.Errorf("solver: variable %s has a NaN bound", v.name)
		}
		if math.IsInf(v.lb, 0) {
			return fmt.Errorf("solver: variable %s needs a finite lower bound", v.name)
		}
		if v.lb > v.ub {
			return fmt.Errorf("%w: variable %s has bounds [%g, %g]", ErrInfeasible, v.name, v.lb, v.ub)
		}
	}
	for _, c := range b.cons {
		for _, t := range c.terms {
			if int(t.Var) < 0 || int(t.Var) >= len(b.vars) {
				return fmt.Errorf("solver: constraint %s references unknown variable %d", c.name, t.Var)
			}
		}
	}
	for _, t := range b.objExpr.terms {
		if int(t.Var) < 0 || int(t.Var) >= len(b.vars) {
			return fmt.Errorf("solver: objective references unknown variable %d", t.Var)
		}
	}
	return nil
}

func (b *BranchAndBound) buildColumnIndex() {
	b.colRows = make([][]int, len(b.vars))
	for i, c := range b.cons {
		for _, t := range c.terms {
			b.colRows[t.Var] = append(b.colRows[t.Var], i)
		}
	}
}

// branchVariable picks the fractional binary with the highest priority,
// preferring the most fractional one. It returns -1 when all binaries are
// integral.
func (b *BranchAndBound) branchVariable(x []float64, nd node) int {
	best := -1
	bestFrac := 0.0
	for j, v := range b.vars {
		if v.typ != Binary || nd.ub[j]-nd.lb[j] < fixedTol {
			continue
		}
		frac := math.Min(x[j]-math.Floor(x[j]), math.Ceil(x[j])-x[j])
		if frac <= b.opts.IntTol {
			continue
		}
		if best < 0 || v.priority > b.vars[best].priority ||
			(v.priority == b.vars[best].priority && frac > bestFrac) {
			best, bestFrac = j, frac
		}
	}
	return best
}

// snap tries to move every fractional binary to 0 or 1 without violating
// any constraint, keeping all other values. It succeeds when every binary
// can be moved.
func (b *BranchAndBound) snap(x []float64, nd node) ([]float64, bool) {
	xs := roundBinaries(b.vars, x)
	for j, v := range b.vars {
		if v.typ != Binary {
			continue
		}
		if math.Abs(x[j]-xs[j]) <= b.opts.IntTol {
			continue
		}
		near, far := math.Round(x[j]), 1-math.Round(x[j])
		ok := false
		for _, cand := range []float64{near, far} {
			if cand < nd.lb[j] || cand > nd.ub[j] {
				continue
			}
			xs[j] = cand
			if b.rowsSatisfied(b.colRows[j], xs) {
				ok = true
				break
			}
		}
		if !ok {
			return nil, false
		}
	}
	// rounding the integral binaries may have pushed some rows out of tolerance
	for i := range b.cons {
		if !b.rowSatisfied(i, xs) {
			return nil, false
		}
	}
	return xs, true
}

func (b *BranchAndBound) rowsSatisfied(rows []int, x []float64) bool {
	for _, i := range rows {
		if !b.rowSatisfied(i, x) {
			return false
		}
	}
	return true
}

func (b *BranchAndBound) rowSatisfied(i int, x []float64) bool {
	c := b.cons[i]
	lhs := 0.0
	scale := 1 + math.Abs(c.rhs)
	for _, t := range c.terms {
		v := t.Coef * x[t.Var]
		lhs += v
		scale = math.Max(scale, 1+math.Abs(v))
	}
	tol := feasTol * scale
	switch c.sense {
	case GreaterEqual:
		return lhs >= c.rhs-tol
	case Equal:
		return math.Abs(lhs-c.rhs) <= tol
	default:
		return lhs <= c.rhs+tol
	}
}

// relax solves the LP relaxation of a node. Variables are shifted by their
// lower bound so that the simplex sees 0 ≤ x - lb ≤ ub - lb; fixed variables
// are substituted.
func (b *BranchAndBound) relax(ctx context.Context, lb, ub, cost []float64, objConst float64) ([]float64, float64, error) {
	n := len(b.vars)
	colOf := make([]int, n)
	var colVars []int
	for j := 0; j < n; j++ {
		colOf[j] = -1
		if ub[j]-lb[j] > fixedTol {
			colOf[j] = len(colVars)
			colVars = append(colVars, j)
		}
	}

	var rows []lpRow
	for _, c := range b.cons {
		rhs := c.rhs
		var cols []int
		var coefs []float64
		for _, t := range c.terms {
			rhs -= t.Coef * lb[t.Var]
			if k := colOf[t.Var]; k >= 0 {
				cols = append(cols, k)
				coefs = append(coefs, t.Coef)
			}
		}
		if len(cols) == 0 {
			tol := feasTol * (1 + math.Abs(c.rhs))
			if (c.sense != GreaterEqual && rhs < -tol) || (c.sense != LessEqual && rhs > tol) {
				return nil, 0, errLPInfeasible
			}
			continue
		}
		rows = append(rows, lpRow{cols: cols, coefs: coefs, sense: c.sense, rhs: rhs})
	}

	x := make([]float64, n)
	copy(x, lb)
	if len(colVars) > 0 {
		upper := make([]float64, len(colVars))
		c := make([]float64, len(colVars))
		for k, j := range colVars {
			upper[k] = ub[j] - lb[j]
			c[k] = cost[j]
		}
		tb := newTableau(upper, rows)
		y, err := tb.solve(ctx, c)
		b.stats.Iterations += tb.iterations
		if err != nil {
			return nil, 0, err
		}
		for k, j := range colVars {
			x[j] = math.Min(ub[j], lb[j]+y[k])
		}
	}
	b.stats.Relaxations++
	return x, dot(cost, x) + objConst, nil
}

func roundBinaries(vars []variable, x []float64) []float64 {
	out := append([]float64(nil), x...)
	for j, v := range vars {
		if v.typ == Binary {
			out[j] = math.Round(out[j])
		}
	}
	return out
}

func mergeTerms(terms []Term) []Term {
	acc := make(map[Var]float64, len(terms))
	for _, t := range terms {
		acc[t.Var] += t.Coef
	}
	out := make([]Term, 0, len(acc))
	for v, c := range acc {
		if c != 0 {
			out = append(out, Term{Var: v, Coef: c})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Var < out[j].Var })
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
