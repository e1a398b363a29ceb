// Package decision turns raw classifier scores into a verdict.
package decision

import (
	"errors"
	"fmt"
	"math"

	"github.com/Brownie44l1/malaria-api/internal/model"
)

// Threshold is the parasitized probability a score must exceed. It sits
// above 0.5 to trade recall for fewer false positives.
const Threshold = 0.65

var (
	ErrUnsupportedOutput = errors.New("unsupported model output")
	ErrScoreOutOfRange   = errors.New("score outside [0,1]")
)

type Label string

const (
	Parasitized Label = model.ClassParasitized
	Uninfected  Label = model.ClassUninfected
)

type Result struct {
	Label      Label
	Confidence float64 // [0,1]
}

// Percent is the confidence as a percentage rounded to two decimals.
func (r Result) Percent() float64 {
	return math.Round(r.Confidence*10000) / 100
}

type Policy struct {
	Threshold float32
	// ParasitizedIndex selects the parasitized score in a two-unit output.
	ParasitizedIndex int
}

// NewPolicy builds a policy for the given class order. An empty or
// unrecognised order falls back to [uninfected, parasitized].
func NewPolicy(classes []string) Policy {
	p := Policy{Threshold: Threshold, ParasitizedIndex: 1}
	if len(classes) == 2 && classes[0] == model.ClassParasitized {
		p.ParasitizedIndex = 0
	}
	return p
}

// Decide applies the threshold. The boundary is exclusive: a score equal to
// the threshold is uninfected. Two-unit scores are used as given and are not
// renormalized.
func (p Policy) Decide(scores []float32) (Result, error) {
	for i, s := range scores {
		if math.IsNaN(float64(s)) || s < 0 || s > 1 {
			return Result{}, fmt.Errorf("%w: score %d is %v", ErrScoreOutOfRange, i, s)
		}
	}

	switch len(scores) {
	case 1:
		score := scores[0]
		if score > p.Threshold {
			return Result{Label: Parasitized, Confidence: float64(score)}, nil
		}
		return Result{Label: Uninfected, Confidence: 1 - float64(score)}, nil
	case 2:
		parasitized := scores[p.ParasitizedIndex]
		uninfected := scores[1-p.ParasitizedIndex]
		if parasitized > p.Threshold {
			return Result{Label: Parasitized, Confidence: float64(parasitized)}, nil
		}
		return Result{Label: Uninfected, Confidence: float64(uninfected)}, nil
	default:
		return Result{}, fmt.Errorf("%w: %d scores", ErrUnsupportedOutput, len(scores))
	}
}
