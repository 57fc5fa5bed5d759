package model

import (
	"errors"
	"fmt"
)

// FillerStrategy selects how filler combinations are ranked when the filler
// generator has to truncate.
type FillerStrategy string

const (
	FillerMarginPerHour  FillerStrategy = "MarginPerHour"
	FillerMaxTotalMargin FillerStrategy = "MaxTotalMargin"
)

// Score ranks a project under the strategy.
func (s FillerStrategy) Score(p *Project) float64 {
	if s == FillerMaxTotalMargin {
		return p.Margin
	}
	return p.MarginPerHour()
}

// ProductionParameters holds the planning settings shared by all engine
// components. Durations are in days unless noted otherwise.
type ProductionParameters struct {
	PlanningHorizon    int             `yaml:"planning_horizon" json:"planning_horizon"` // months
	DefaultBatchSize   float64         `yaml:"default_batch_size" json:"default_batch_size"`
	SpecificBatchSizes map[int]float64 `yaml:"specific_batch_sizes,omitempty" json:"specific_batch_sizes,omitempty"` // project nr -> days
	GapBetweenBatches  float64         `yaml:"gap_between_batches" json:"gap_between_batches"`
	DeadTimes          float64         `yaml:"dead_times" json:"dead_times"` // fraction of line 1 lost to changeovers

	MaxDelayPerYear      float64 `yaml:"max_delay_per_year" json:"max_delay_per_year"`
	MaxIndividualDelay   float64 `yaml:"max_individual_delay" json:"max_individual_delay"`
	MaxAdvancePerYear    float64 `yaml:"max_advance_per_year" json:"max_advance_per_year"`
	MaxIndividualAdvance float64 `yaml:"max_individual_advance" json:"max_individual_advance"`

	WeeklyDelayInterest   float64 `yaml:"weekly_delay_interest" json:"weekly_delay_interest"`
	WeeklyAdvanceInterest float64 `yaml:"weekly_advance_interest" json:"weekly_advance_interest"`

	BaselineMinRevenue float64 `yaml:"baseline_min_revenue" json:"baseline_min_revenue"`
	BaselineMaxRevenue float64 `yaml:"baseline_max_revenue" json:"baseline_max_revenue"`

	FillerStrategy   FillerStrategy `yaml:"filler_strategy" json:"filler_strategy"`
	FillerMinRevenue float64        `yaml:"filler_min_revenue" json:"filler_min_revenue"`
	FillerMaxRevenue float64        `yaml:"filler_max_revenue" json:"filler_max_revenue"`

	OverloadRatio         float64 `yaml:"overload_ratio" json:"overload_ratio"`
	MaxFillerCombinations int     `yaml:"max_filler_combinations" json:"max_filler_combinations"`
	MaxFillersPerMonth    int     `yaml:"max_fillers_per_month" json:"max_fillers_per_month"`
}

// DefaultParameters returns the parameters used by the planning department.
func DefaultParameters() ProductionParameters {
	return ProductionParameters{
		PlanningHorizon:       9,
		DefaultBatchSize:      7,
		SpecificBatchSizes:    map[int]float64{},
		GapBetweenBatches:     21,
		DeadTimes:             0.5,
		MaxDelayPerYear:       14,
		MaxIndividualDelay:    7,
		MaxAdvancePerYear:     35,
		MaxIndividualAdvance:  21,
		WeeklyDelayInterest:   0.01,
		WeeklyAdvanceInterest: 0.045 / 52.14,
		BaselineMinRevenue:    1.5e6,
		BaselineMaxRevenue:    6e6,
		FillerStrategy:        FillerMarginPerHour,
		FillerMinRevenue:      0,
		FillerMaxRevenue:      1.5e6,
		OverloadRatio:         1.1,
		MaxFillerCombinations: 5000,
		MaxFillersPerMonth:    10,
	}
}

// BatchSizeFor returns the nominal batch length in days for a project.
func (p ProductionParameters) BatchSizeFor(nr int) float64 {
	if d, ok := p.SpecificBatchSizes[nr]; ok && d > 0 {
		return d
	}
	if p.DefaultBatchSize > 0 {
		return p.DefaultBatchSize
	}
	return 7
}

// Validate reports every inconsistent setting.
func (p ProductionParameters) Validate() error {
	var errs []error
	if p.PlanningHorizon <= 0 {
		errs = append(errs, fmt.Errorf("planning horizon must be positive, got %d", p.PlanningHorizon))
	}
	if p.GapBetweenBatches < 0 {
		errs = append(errs, fmt.Errorf("gap between batches must not be negative, got %g", p.GapBetweenBatches))
	}
	if p.DeadTimes < 0 || p.DeadTimes >= 1 {
		errs = append(errs, fmt.Errorf("dead times must be in [0, 1), got %g", p.DeadTimes))
	}
	if p.BaselineMinRevenue > p.BaselineMaxRevenue {
		errs = append(errs, fmt.Errorf("baseline revenue band is empty: [%g, %g]", p.BaselineMinRevenue, p.BaselineMaxRevenue))
	}
	if p.FillerMinRevenue > p.FillerMaxRevenue {
		errs = append(errs, fmt.Errorf("filler revenue band is empty: [%g, %g]", p.FillerMinRevenue, p.FillerMaxRevenue))
	}
	if p.OverloadRatio <= 0 {
		errs = append(errs, fmt.Errorf("overload ratio must be positive, got %g", p.OverloadRatio))
	}
	if p.MaxFillerCombinations <= 0 {
		errs = append(errs, fmt.Errorf("max filler combinations must be positive, got %d", p.MaxFillerCombinations))
	}
	switch p.FillerStrategy {
	case FillerMarginPerHour, FillerMaxTotalMargin:
	default:
		errs = append(errs, fmt.Errorf("unknown filler strategy %q", p.FillerStrategy))
	}
	return errors.Join(errs...)
}
