package match

import (
	"github.com/jra3/obsync/internal/dates"
	"github.com/jra3/obsync/internal/task"
)

// Component weights of the affinity score.
const (
	titleWeight  = 0.65
	dateWeight   = 0.25
	statusWeight = 0.10
)

// Score computes the affinity of one md/rem pair in [0, 1].
func Score(md, rem *task.Task, daysTolerance int) float64 {
	titleSim := DiceCoefficient(md.Tokens(Tokenize), rem.Tokens(Tokenize))
	dateComp := dateComponent(md.Due, rem.Due, daysTolerance)
	statusComp := 0.7
	if md.Status == rem.Status {
		statusComp = 1.0
	}
	return titleWeight*titleSim + dateWeight*dateComp + statusWeight*statusComp
}

// dateComponent is 1 when both dates match, decays linearly to 0 across
// the tolerance window, 0 outside it, 0.5 when both are absent, and 0
// when only one side has a date.
func dateComponent(a, b string, tolerance int) float64 {
	if a == "" && b == "" {
		return 0.5
	}
	if a == "" || b == "" {
		return 0
	}
	dist := dates.DaysBetween(a, b)
	if dist < 0 || dist > tolerance {
		return 0
	}
	return 1 - float64(dist)/float64(tolerance+1)
}
