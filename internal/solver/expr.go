package solver

// Term is a coefficient applied to a variable.
type Term struct {
	Var  Var
	Coef float64
}

// Expr is a linear expression Σ coef·var + constant. Expressions are built
// with chained Add calls:
//
//	e := solver.NewExpr().Add(x, 1).Add(y, -2).AddConstant(3)
type Expr struct {
	terms    []Term
	constant float64
}

func NewExpr() *Expr {
	return &Expr{}
}

// Add appends coef·v to the expression.
func (e *Expr) Add(v Var, coef float64) *Expr {
	if coef != 0 {
		e.terms = append(e.terms, Term{Var: v, Coef: coef})
	}
	return e
}

// AddConstant adds c to the constant part.
func (e *Expr) AddConstant(c float64) *Expr {
	e.constant += c
	return e
}

// AddExpr adds scale·o to the expression.
func (e *Expr) AddExpr(o *Expr, scale float64) *Expr {
	for _, t := range o.terms {
		e.Add(t.Var, t.Coef*scale)
	}
	e.constant += o.constant * scale
	return e
}

func (e *Expr) Terms() []Term     { return e.terms }
func (e *Expr) Constant() float64 { return e.constant }

// Eval evaluates the expression for the given variable values.
func (e *Expr) Eval(value func(Var) float64) float64 {
	total := e.constant
	for _, t := range e.terms {
		total += t.Coef * value(t.Var)
	}
	return total
}
