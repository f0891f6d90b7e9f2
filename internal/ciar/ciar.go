// Package ciar implements the composite significance score (Certainty,
// Impact, Age decay, Recency boost) used to decide whether a candidate fact
// is significant enough to promote from L1 to L2, and later to rank facts
// for context assembly.
//
// The curves are fixed (resolved Open Question, see SPEC_FULL.md): a 14-day
// half-life age decay and a capped linear recency boost. Both are monotone
// by construction, matching the invariant in spec.md §3.
package ciar

import "math"

const (
	// halfLifeDays is the number of days after which age_decay halves.
	halfLifeDays = 14.0
	// recencyStep is the per-access boost increment.
	recencyStep = 0.03
	// recencyCapAccesses bounds how many accesses contribute to the boost.
	recencyCapAccesses = 10
)

// AgeDecay returns a monotone non-increasing factor in [0, 1] for how many
// days old a fact is, halving every halfLifeDays.
func AgeDecay(daysOld float64) float64 {
	if daysOld < 0 {
		daysOld = 0
	}
	return math.Pow(0.5, daysOld/halfLifeDays)
}

// RecencyBoost returns a monotone non-decreasing factor, capped at 1.3, for
// how many times a fact has been accessed.
func RecencyBoost(accessCount int) float64 {
	if accessCount < 0 {
		accessCount = 0
	}
	if accessCount > recencyCapAccesses {
		accessCount = recencyCapAccesses
	}
	return 1.0 + float64(accessCount)*recencyStep
}

// Inputs bundles the four components of a CIAR score.
type Inputs struct {
	Certainty   float64
	Impact      float64
	DaysOld     float64
	AccessCount int
}

// Score computes ciar_score = certainty * impact * age_decay * recency_boost,
// clipped to [0, 1].
func Score(in Inputs) float64 {
	raw := in.Certainty * in.Impact * AgeDecay(in.DaysOld) * RecencyBoost(in.AccessCount)
	return clip01(raw)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Breakdown is the explained form of a CIAR score, naming each component so
// callers (the promotion engine's significance_scored event, or an
// agent-facing inspection tool) can show why a fact scored the way it did.
type Breakdown struct {
	Certainty    float64 `json:"certainty"`
	Impact       float64 `json:"impact"`
	AgeDecay     float64 `json:"age_decay"`
	RecencyBoost float64 `json:"recency_boost"`
	FinalScore   float64 `json:"final_score"`
	Promotable   bool    `json:"promotable"`
	Threshold    float64 `json:"threshold"`
}

// Explain computes a full breakdown of in's CIAR score against threshold.
func Explain(in Inputs, threshold float64) Breakdown {
	ageDecay := AgeDecay(in.DaysOld)
	recency := RecencyBoost(in.AccessCount)
	final := clip01(in.Certainty * in.Impact * ageDecay * recency)
	return Breakdown{
		Certainty:    in.Certainty,
		Impact:       in.Impact,
		AgeDecay:     ageDecay,
		RecencyBoost: recency,
		FinalScore:   final,
		Promotable:   final >= threshold,
		Threshold:    threshold,
	}
}

// Scored pairs an arbitrary candidate value with its CIAR score, used by
// Filter.
type Scored[T any] struct {
	Value T
	Score float64
}

// Filter batch-scores candidates and returns those at or above threshold,
// highest score first. The promotable test is >=, not >, matching the
// boundary behavior in spec.md §8.
func Filter[T any](candidates []T, inputsOf func(T) Inputs, threshold float64) []Scored[T] {
	out := make([]Scored[T], 0, len(candidates))
	for _, c := range candidates {
		s := Score(inputsOf(c))
		if s >= threshold {
			out = append(out, Scored[T]{Value: c, Score: s})
		}
	}
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].Score < out[j].Score {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}
