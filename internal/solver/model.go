// Package solver defines the mixed-integer programming contract used by the
// schedule optimizer, together with a branch-and-bound implementation whose
// node relaxations run a bounded simplex on gonum matrices.
package solver

import (
	"context"
	"errors"
	"math"
)

// Errors returned by Optimize. They are distinguishable from a successful
// solve with errors.Is.
var (
	ErrInfeasible = errors.New("solver: model is infeasible")
	ErrUnbounded  = errors.New("solver: model is unbounded")
	ErrTimeLimit  = errors.New("solver: stopped before a feasible solution was found")
	ErrNotSolved  = errors.New("solver: model has not been solved")
)

// VarType distinguishes continuous from binary decision variables.
type VarType int

const (
	Continuous VarType = iota
	Binary
)

// Sense is the relation of a linear constraint.
type Sense int

const (
	LessEqual Sense = iota
	GreaterEqual
	Equal
)

func (s Sense) String() string {
	switch s {
	case GreaterEqual:
		return ">="
	case Equal:
		return "="
	default:
		return "<="
	}
}

// Direction is the optimization direction of the objective.
type Direction int

const (
	Maximize Direction = iota
	Minimize
)

// Inf is a convenience upper bound for unbounded continuous variables.
var Inf = math.Inf(1)

// Var is a handle to a decision variable of one Model.
type Var int

// Status describes how the last Optimize call ended.
type Status int

const (
	StatusUnsolved    Status = iota // Optimize has not completed
	StatusOptimal                   // proven optimal within the MIP gap
	StatusInterrupted               // context or node limit hit with an incumbent
)

// Model is a mixed-integer linear program. Implementations are not safe for
// concurrent use.
type Model interface {
	// AddVar adds a variable with bounds [lb, ub]. Binary variables are
	// clamped to [0, 1].
	AddVar(lb, ub float64, typ VarType, name string) Var
	// SetPriority sets the branching priority of a binary variable. Higher
	// priorities are branched on first.
	SetPriority(v Var, priority int)
	AddConstr(e *Expr, sense Sense, rhs float64, name string)
	SetObjective(e *Expr, dir Direction)
	// Optimize blocks until the model is solved, proven infeasible, or ctx
	// is done.
	Optimize(ctx context.Context) error
	Value(v Var) float64
	ObjectiveValue() float64
	Status() Status
}

// Starter is implemented by models that accept a start solution. A start
// that satisfies every bound and constraint becomes the first incumbent;
// any other start is ignored.
type Starter interface {
	SetStart(v Var, value float64)
}
