package scoring

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// DegeneratePolicy decides what an all-masked loss term does.
type DegeneratePolicy int

const (
	// DegenerateZero makes the term contribute 0 and flags it in the report.
	DegenerateZero DegeneratePolicy = iota
	// DegenerateError fails the forward call with ErrDegenerateMask.
	DegenerateError
)

// ParseDegeneratePolicy maps "zero" and "error" to a policy.
func ParseDegeneratePolicy(s string) (DegeneratePolicy, error) {
	switch s {
	case "", "zero":
		return DegenerateZero, nil
	case "error":
		return DegenerateError, nil
	default:
		return 0, fmt.Errorf("unknown degenerate mask policy: %s", s)
	}
}

func (p DegeneratePolicy) String() string {
	if p == DegenerateError {
		return "error"
	}
	return "zero"
}

// LossConfig is passed with every forward call.
type LossConfig struct {
	// Alpha weights the word and phoneme terms.
	Alpha float64
	// Val drops train-only terms from the total.
	Val bool
	// Degenerate is the all-masked term policy.
	Degenerate DegeneratePolicy
}

// DefaultLossConfig returns alpha 1 in training mode with zero-contribution
// degenerate masks.
func DefaultLossConfig() LossConfig {
	return LossConfig{Alpha: 1}
}

// Term is one weighted contribution to the objective.
type Term struct {
	Name      string
	Weight    float64
	TrainOnly bool
	LossValue

	// Included is set by Combine when the term counts towards Total.
	Included bool
}

// LossReport is the combined objective plus every computed term, including
// those left out of the total.
type LossReport struct {
	Total float64
	Terms []Term
}

// Term returns the named term.
func (r *LossReport) Term(name string) (Term, bool) {
	for _, t := range r.Terms {
		if t.Name == name {
			return t, true
		}
	}
	return Term{}, false
}

// Combine sums Weight*Value over every term that is not train-only in
// validation mode.
func Combine(terms []Term, cfg LossConfig) (*LossReport, error) {
	report := &LossReport{Terms: make([]Term, len(terms))}
	for i, t := range terms {
		t.Included = !(t.TrainOnly && cfg.Val)
		if t.Degenerate {
			DegenerateTerms.WithLabelValues(t.Name).Inc()
			if t.Included && cfg.Degenerate == DegenerateError {
				return nil, fmt.Errorf("%w: term %s has no valid entries", ErrDegenerateMask, t.Name)
			}
			log.Warn().Str("term", t.Name).Bool("included", t.Included).Msg("Loss mask selected no entries, term contributes 0")
		}
		if t.Included {
			report.Total += t.Weight * t.Value
		}
		report.Terms[i] = t
	}
	return report, nil
}

// logBreakdown writes the per-term values of a training step at debug level.
func logBreakdown(kind Kind, r *LossReport, cfg LossConfig) {
	ev := log.Debug().Str("model", kind.String()).Bool("val", cfg.Val)
	for _, t := range r.Terms {
		LossTerm.WithLabelValues(kind.String(), t.Name).Set(t.Value)
		ev = ev.Float64(t.Name+"_loss", t.Value)
	}
	ev.Float64("loss", r.Total).Msg("Loss breakdown")
}
