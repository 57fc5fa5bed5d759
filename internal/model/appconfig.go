package model

import "time"

// Algorithm selects the schedule optimizer backend.
type Algorithm string

const (
	AlgorithmMILP    Algorithm = "milp"
	AlgorithmGenetic Algorithm = "genetic"
)

// AppConfig holds application-wide settings and the production parameters
// handed to every engine component.
type AppConfig struct {
	LogLevel        string        `yaml:"log_level"`
	Workers         int           `yaml:"workers"` // 0 = GOMAXPROCS
	Algorithm       Algorithm     `yaml:"algorithm"`
	SolverTimeLimit time.Duration `yaml:"solver_time_limit"` // 0 = no limit
	MIPGap          float64       `yaml:"mip_gap"`
	MaxNodes        int           `yaml:"max_nodes"` // 0 = unlimited

	Parameters ProductionParameters `yaml:"parameters"`
}

// DefaultAppConfig returns an AppConfig populated with defaults.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		LogLevel:        "info",
		Workers:         0,
		Algorithm:       AlgorithmMILP,
		SolverTimeLimit: 2 * time.Minute,
		MIPGap:          0.06,
		MaxNodes:        200000,
		Parameters:      DefaultParameters(),
	}
}
