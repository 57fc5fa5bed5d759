package model

import (
	"fmt"
	"sort"
	"time"
)

// Compatibility describes which production lines can run a batch.
type Compatibility int

const (
	CompatBoth      Compatibility = iota // Runs on either line
	CompatLine1Only                      // Restricted to line 1
	CompatLine2Only                      // Restricted to line 2
)

func (c Compatibility) String() string {
	switch c {
	case CompatLine1Only:
		return "Line1"
	case CompatLine2Only:
		return "Line2"
	default:
		return "Both"
	}
}

// Allows reports whether a batch with this compatibility may run on line l.
func (c Compatibility) Allows(l Line) bool {
	switch l {
	case Line1:
		return c != CompatLine2Only
	case Line2:
		return c != CompatLine1Only
	default:
		return false
	}
}

// Line identifies a physical production line. LineNone marks an unallocated batch.
type Line int

const (
	LineNone Line = iota
	Line1
	Line2
)

func (l Line) String() string {
	switch l {
	case Line1:
		return "Line1"
	case Line2:
		return "Line2"
	default:
		return "None"
	}
}

// Batch is a contiguous production run on one line.
type Batch struct {
	WorkHours     float64       `json:"work_hours"`
	Compatibility Compatibility `json:"compatibility"`
}

// Duration returns the batch length as a time.Duration.
func (b Batch) Duration() time.Duration {
	return time.Duration(b.WorkHours * float64(time.Hour))
}

// ProjectKind is the discriminant of the Project union.
type ProjectKind int

const (
	KindFixed ProjectKind = iota
	KindOpportunity
)

func (k ProjectKind) String() string {
	if k == KindOpportunity {
		return "Opportunity"
	}
	return "Fixed"
}

// Project is either a committed production order (KindFixed) or a sales
// opportunity (KindOpportunity). Fields that only apply to one variant are
// left at their zero value on the other. Projects are identified by Nr.
type Project struct {
	Nr           int         `json:"nr"`
	Description  string      `json:"description"`
	DeliveryDate time.Time   `json:"delivery_date"`
	Batches      []Batch     `json:"batches"`
	Revenue      float64     `json:"revenue"`
	Margin       float64     `json:"margin"`
	Kind         ProjectKind `json:"kind"`

	// Fixed projects only
	IsInternal bool `json:"is_internal,omitempty"`

	// Opportunities only
	Probability          float64 `json:"probability,omitempty"` // stated win probability, 0..1
	Phase                string  `json:"phase,omitempty"`
	ProbabilityFromPhase float64 `json:"probability_from_phase,omitempty"`
}

// NewFixedProject creates a committed project.
func NewFixedProject(nr int, description string, delivery time.Time, batches []Batch, revenue, margin float64, internal bool) *Project {
	return &Project{
		Nr:           nr,
		Description:  description,
		DeliveryDate: delivery,
		Batches:      batches,
		Revenue:      revenue,
		Margin:       margin,
		Kind:         KindFixed,
		IsInternal:   internal,
	}
}

// NewOpportunity creates an opportunity. The phase label must be one of the
// known sales phases; otherwise ErrUnknownPhase is returned.
func NewOpportunity(nr int, description string, delivery time.Time, batches []Batch, revenue, margin, probability float64, phase string) (*Project, error) {
	p, err := PhaseProbability(phase)
	if err != nil {
		return nil, fmt.Errorf("opportunity %d: %w", nr, err)
	}
	return &Project{
		Nr:                   nr,
		Description:          description,
		DeliveryDate:         delivery,
		Batches:              batches,
		Revenue:              revenue,
		Margin:               margin,
		Kind:                 KindOpportunity,
		Probability:          probability,
		Phase:                phase,
		ProbabilityFromPhase: p,
	}, nil
}

func (p *Project) IsFixed() bool       { return p.Kind == KindFixed }
func (p *Project) IsOpportunity() bool { return p.Kind == KindOpportunity }

// Chance returns the realisation probability used for risk calculations.
func (p *Project) Chance() float64 {
	switch p.Kind {
	case KindOpportunity:
		return p.ProbabilityFromPhase
	default:
		return 1
	}
}

// TotalWorkHours sums the work hours of all batches.
func (p *Project) TotalWorkHours() float64 {
	var total float64
	for _, b := range p.Batches {
		total += b.WorkHours
	}
	return total
}

// MarginPerHour returns margin divided by total work hours, or 0 for a
// project without work.
func (p *Project) MarginPerHour() float64 {
	h := p.TotalWorkHours()
	if h <= 0 {
		return 0
	}
	return p.Margin / h
}

// Compatibility returns the most restrictive compatibility among the
// project's batches. A project mixing Line1Only and Line2Only batches
// cannot share a single line; the first restriction wins.
func (p *Project) Compatibility() Compatibility {
	for _, b := range p.Batches {
		if b.Compatibility != CompatBoth {
			return b.Compatibility
		}
	}
	return CompatBoth
}

func (p *Project) String() string {
	return fmt.Sprintf("%s %d (%s)", p.Kind, p.Nr, p.Description)
}

// SortByDelivery orders projects by delivery date, then by nr.
func SortByDelivery(projects []*Project) {
	sort.SliceStable(projects, func(i, j int) bool {
		a, b := projects[i], projects[j]
		if !a.DeliveryDate.Equal(b.DeliveryDate) {
			return a.DeliveryDate.Before(b.DeliveryDate)
		}
		return a.Nr < b.Nr
	})
}
