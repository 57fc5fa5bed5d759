package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPhase is returned for a sales-phase label that has no mapped
// probability. New phases must be added to phaseProbabilities explicitly.
var ErrUnknownPhase = errors.New("unknown sales phase")

// phaseProbabilities maps sales-phase labels (English and German CRM exports)
// to the win probability used for risk estimation.
var phaseProbabilities = map[string]float64{
	"New Opp (>> QG1)":                  0.05,
	"Neue Anfrage - RFQ (>> QG1)":       0.05,
	"Bidding phase (>> QG2)":            0.1,
	"Angebotsphase (>> QG2)":            0.1,
	"Indentified Opportunity (Univers)": 0,
	"Negotiation/Review":                0.7,
	"Vertrags Verhandlung":              0.7,
}

// PhaseProbability looks up the win probability for a sales-phase label.
func PhaseProbability(phase string) (float64, error) {
	p, ok := phaseProbabilities[strings.TrimSpace(phase)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}
	return p, nil
}
