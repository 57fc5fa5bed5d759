package engine

import (
	"context"
	"math/rand"
	"sort"

	"github.com/piwi3910/CablePlan/internal/model"
)

// GeneticConfig tunes the genetic scheduler.
type GeneticConfig struct {
	PopulationSize int
	Generations    int
	MutationRate   float64
	TournamentSize int
	EliteCount     int
	Seed           int64
}

// DefaultGeneticConfig returns the settings used unless the caller sets others.
func DefaultGeneticConfig() GeneticConfig {
	return GeneticConfig{
		PopulationSize: 50,
		Generations:    100,
		MutationRate:   0.15,
		TournamentSize: 3,
		EliteCount:     2,
		Seed:           42,
	}
}

// gene represents the scheduling decision for one project.
type gene struct {
	project int  // Index into plan.projects
	line2   bool // Run on line 2 when the project may use either line
	include bool // Produce the opportunity; ignored for fixed projects
}

// chromosome represents a candidate solution: a project priority order with
// line and inclusion flags.
type chromosome struct {
	genes   []gene
	fitness float64
}

// interval is an occupied span of a line in days from the plan origin.
type interval struct {
	start, end float64
}

// geneticOptimizer evolves project orders for one plan.
type geneticOptimizer struct {
	plan   *plan
	config GeneticConfig
	rng    *rand.Rand
}

func newGeneticOptimizer(p *plan, config GeneticConfig) *geneticOptimizer {
	if config.PopulationSize < 1 {
		config.PopulationSize = 1
	}
	return &geneticOptimizer{plan: p, config: config, rng: rand.New(rand.NewSource(config.Seed))}
}

// optimize evolves the population for the configured number of generations
// and decodes the fittest chromosome. A done ctx stops the evolution after
// the current generation.
func (g *geneticOptimizer) optimize(ctx context.Context) *model.Schedule {
	population := g.initPopulation()
	for i := range population {
		population[i].fitness = g.evaluate(population[i])
	}

	for gen := 0; gen < g.config.Generations && ctx.Err() == nil; gen++ {
		population = g.breed(population)
	}

	byFitness(population)
	s := g.decode(population[0])
	s.Objective = g.plan.evaluate(s)
	return s
}

// breed returns the next generation. The elite survive unchanged; the
// rest are mutated offspring of tournament winners.
func (g *geneticOptimizer) breed(population []chromosome) []chromosome {
	byFitness(population)

	next := make([]chromosome, 0, g.config.PopulationSize)
	for i := 0; i < g.config.EliteCount && i < len(population); i++ {
		next = append(next, population[i].clone())
	}
	for len(next) < g.config.PopulationSize {
		child := g.crossover(g.pick(population), g.pick(population))
		g.mutate(&child)
		child.fitness = g.evaluate(child)
		next = append(next, child)
	}
	return next
}

func byFitness(population []chromosome) {
	sort.SliceStable(population, func(i, j int) bool { return population[i].fitness > population[j].fitness })
}

// initPopulation returns random project orders with random line and
// inclusion flags. The first chromosome is the delivery-order seed.
func (g *geneticOptimizer) initPopulation() []chromosome {
	n := len(g.plan.projects)
	population := make([]chromosome, g.config.PopulationSize)
	population[0] = g.deliveryOrder()
	for c := 1; c < len(population); c++ {
		order := g.rng.Perm(n)
		genes := make([]gene, n)
		for pos, idx := range order {
			genes[pos] = gene{project: idx, line2: g.rng.Intn(2) == 1, include: g.rng.Intn(2) == 1}
		}
		population[c] = chromosome{genes: genes}
	}
	return population
}

// deliveryOrder schedules projects in delivery order with every opportunity
// included, alternating free projects between the lines.
func (g *geneticOptimizer) deliveryOrder() chromosome {
	genes := make([]gene, len(g.plan.projects))
	for i := range genes {
		genes[i] = gene{project: i, line2: i%2 == 1, include: true}
	}
	return chromosome{genes: genes}
}

// evaluate computes the fitness of a chromosome by decoding it into a
// schedule and scoring it with the plan objective.
func (g *geneticOptimizer) evaluate(c chromosome) float64 {
	return g.plan.evaluate(g.decode(c))
}

// decode converts a chromosome into a schedule. Projects are placed in gene
// order; every batch starts in the first free gap of its line that is no
// earlier than its planned week and the end of the previous batch. An
// opportunity that cannot meet its delay limits is left out.
func (g *geneticOptimizer) decode(c chromosome) *model.Schedule {
	p := g.plan
	params := p.params
	busy := map[model.Line][]interval{}
	delayBudget := params.MaxDelayPerYear * p.years
	var delayUsed float64

	allocs := make([]model.ProjectAllocation, len(p.projects))
	for _, ge := range c.genes {
		pr := p.projects[ge.project]
		pa := model.ProjectAllocation{Project: pr, Allocations: make([]model.BatchAllocation, len(pr.Batches))}
		for k, b := range pr.Batches {
			pa.Allocations[k] = model.BatchAllocation{Batch: b, Start: model.AddDays(p.origin, p.planned[ge.project][k]*7)}
		}
		allocs[ge.project] = pa
		if pr.IsOpportunity() && !ge.include {
			continue
		}

		line := p.lines[ge.project]
		if line == model.LineNone {
			line = model.Line1
			if ge.line2 {
				line = model.Line2
			}
		}

		slots := make([]interval, len(pr.Batches))
		prevEnd := 0.0
		for k, b := range pr.Batches {
			d := batchDays(b)
			earliest := p.planned[ge.project][k] * 7
			if earliest < prevEnd {
				earliest = prevEnd
			}
			if earliest < 0 {
				earliest = 0
			}
			start := findSlot(busy[line], earliest, d)
			slots[k] = interval{start, start + d}
			prevEnd = start + d
		}

		if pr.IsOpportunity() {
			delay := slots[0].start/7 - p.planned[ge.project][0]
			if delay < 0 {
				delay = 0
			}
			if params.MaxIndividualDelay > 0 && delay*7 > params.MaxIndividualDelay {
				continue
			}
			if params.MaxDelayPerYear > 0 && delayUsed+delay*7 > delayBudget {
				continue
			}
			delayUsed += delay * 7
		}

		for k, iv := range slots {
			pa.Allocations[k].Line = line
			pa.Allocations[k].Start = model.AddDays(p.origin, iv.start)
		}
		busy[line] = insertIntervals(busy[line], slots)
	}
	return &model.Schedule{Projects: allocs}
}

// findSlot returns the earliest start >= earliest at which a run of length d
// fits between the busy intervals, which are sorted by start.
func findSlot(busy []interval, earliest, d float64) float64 {
	t := earliest
	for _, iv := range busy {
		if iv.end <= t {
			continue
		}
		if iv.start >= t+d {
			break
		}
		t = iv.end
	}
	return t
}

func insertIntervals(busy, add []interval) []interval {
	out := append(append([]interval(nil), busy...), add...)
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

// pick returns a copy of the fittest of TournamentSize random chromosomes.
func (g *geneticOptimizer) pick(population []chromosome) chromosome {
	winner := g.rng.Intn(len(population))
	for round := 1; round < g.config.TournamentSize; round++ {
		if c := g.rng.Intn(len(population)); population[c].fitness > population[winner].fitness {
			winner = c
		}
	}
	return population[winner].clone()
}

// crossover is an order crossover (OX1): a random slice of a is kept in
// place and the remaining projects follow in the order they have in b. The
// genes carry their line and inclusion flags with them.
func (g *geneticOptimizer) crossover(a, b chromosome) chromosome {
	n := len(a.genes)
	if n <= 2 {
		return a.clone()
	}

	lo, hi := g.rng.Intn(n), g.rng.Intn(n)
	if lo > hi {
		lo, hi = hi, lo
	}

	genes := make([]gene, n)
	taken := make(map[int]bool, hi-lo+1)
	copy(genes[lo:hi+1], a.genes[lo:hi+1])
	for _, ge := range a.genes[lo : hi+1] {
		taken[ge.project] = true
	}

	pos := (hi + 1) % n
	for _, ge := range b.genes {
		if taken[ge.project] {
			continue
		}
		genes[pos] = ge
		pos = (pos + 1) % n
	}
	return chromosome{genes: genes}
}

// mutate flips a line choice, toggles an opportunity, swaps two projects
// and reverses a stretch of the order, each with its own probability.
func (g *geneticOptimizer) mutate(c *chromosome) {
	n := len(c.genes)
	if n == 0 {
		return
	}
	rate := g.config.MutationRate

	if g.rng.Float64() < rate {
		if ge := &c.genes[g.rng.Intn(n)]; g.plan.lines[ge.project] == model.LineNone {
			ge.line2 = !ge.line2
		}
	}
	if g.rng.Float64() < rate {
		if ge := &c.genes[g.rng.Intn(n)]; g.plan.projects[ge.project].IsOpportunity() {
			ge.include = !ge.include
		}
	}
	if n < 2 {
		return
	}
	if g.rng.Float64() < rate {
		a, b := g.rng.Intn(n), g.rng.Intn(n)
		c.genes[a], c.genes[b] = c.genes[b], c.genes[a]
	}
	if g.rng.Float64() < rate/2 {
		lo, hi := g.rng.Intn(n), g.rng.Intn(n)
		if lo > hi {
			lo, hi = hi, lo
		}
		for ; lo < hi; lo, hi = lo+1, hi-1 {
			c.genes[lo], c.genes[hi] = c.genes[hi], c.genes[lo]
		}
	}
}

func (c chromosome) clone() chromosome {
	return chromosome{genes: append([]gene(nil), c.genes...), fitness: c.fitness}
}

// geneticConfig returns the genetic settings for p, scaled up for larger
// problems.
func (o *Optimizer) geneticConfig(p *plan) GeneticConfig {
	config := o.Genetic
	if config.PopulationSize == 0 {
		config = DefaultGeneticConfig()
	}

	if len(p.projects) > 20 && config.Generations < 150 {
		config.Generations = 150
	}
	if len(p.projects) > 50 && config.Generations < 200 {
		config.Generations = 200
		config.PopulationSize = 80
	}
	return config
}

// optimizeGenetic runs the genetic algorithm on p.
func (o *Optimizer) optimizeGenetic(ctx context.Context, p *plan) (*model.Schedule, error) {
	ga := newGeneticOptimizer(p, o.geneticConfig(p))
	s := ga.optimize(ctx)
	if err := ctx.Err(); err != nil {
		o.Logger.Warn().Err(err).Msg("genetic search stopped early, returning best schedule found")
	}
	return s, nil
}
