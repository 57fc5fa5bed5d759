package model

import (
	"fmt"
	"time"
)

// Scenario is the immutable set of projects a planning session works on.
type Scenario struct {
	projects []*Project
	byNr     map[int]*Project
}

// NewScenario builds a scenario from the given projects. Projects without
// batches or with a zero-hour batch cannot be scheduled and are dropped.
// Duplicate project numbers are rejected.
func NewScenario(projects []*Project) (*Scenario, error) {
	s := &Scenario{byNr: make(map[int]*Project, len(projects))}
	for _, p := range projects {
		if p == nil {
			continue
		}
		if _, dup := s.byNr[p.Nr]; dup {
			return nil, fmt.Errorf("duplicate project nr %d", p.Nr)
		}
		if !hasWork(p) {
			continue
		}
		s.byNr[p.Nr] = p
		s.projects = append(s.projects, p)
	}
	SortByDelivery(s.projects)
	return s, nil
}

func hasWork(p *Project) bool {
	if len(p.Batches) == 0 {
		return false
	}
	for _, b := range p.Batches {
		if b.WorkHours <= 0 {
			return false
		}
	}
	return true
}

// Projects returns all projects ordered by delivery date.
func (s *Scenario) Projects() []*Project {
	out := make([]*Project, len(s.projects))
	copy(out, s.projects)
	return out
}

// Fixed returns the committed projects ordered by delivery date.
func (s *Scenario) Fixed() []*Project {
	return s.filter(KindFixed)
}

// Opportunities returns the opportunities ordered by delivery date.
func (s *Scenario) Opportunities() []*Project {
	return s.filter(KindOpportunity)
}

func (s *Scenario) filter(kind ProjectKind) []*Project {
	var out []*Project
	for _, p := range s.projects {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// ByNr looks up a project by its number.
func (s *Scenario) ByNr(nr int) (*Project, bool) {
	p, ok := s.byNr[nr]
	return p, ok
}

// Len returns the number of projects.
func (s *Scenario) Len() int { return len(s.projects) }

// EarliestDelivery returns the earliest delivery date, or the zero time for
// an empty scenario.
func (s *Scenario) EarliestDelivery() time.Time {
	if len(s.projects) == 0 {
		return time.Time{}
	}
	return s.projects[0].DeliveryDate
}

// LatestDelivery returns the latest delivery date, or the zero time for an
// empty scenario.
func (s *Scenario) LatestDelivery() time.Time {
	if len(s.projects) == 0 {
		return time.Time{}
	}
	return s.projects[len(s.projects)-1].DeliveryDate
}
