// Package classify derives the final safety classification for a verdict.
//
// The rule layer is a deterministic function of (verdict, rules). Its
// structural guards dominate the oracle's self-reported classification: the
// oracle can downgrade itself into stricter review but never upgrade itself
// past a guard.
package classify

import (
	"knit/internal/analyze"
	"knit/internal/graph"
)

// Classification is the final disposition for one (change, dependent) pair.
type Classification string

const (
	SafeAutoApply     Classification = "SAFE_AUTO_APPLY"
	ReviewRecommended Classification = "REVIEW_RECOMMENDED"
	ReviewRequired    Classification = "REVIEW_REQUIRED"
	NoAction          Classification = "NO_ACTION"
)

// RequiresReview reports whether the classification keeps the change off
// the auto-apply path.
func (c Classification) RequiresReview() bool {
	return c == ReviewRecommended || c == ReviewRequired
}

// Classify applies the rule layer, in guard order:
//
//  1. no update needed -> NO_ACTION
//  2. confidence below the effective threshold -> REVIEW_REQUIRED
//  3. category in the effective review set -> REVIEW_REQUIRED
//  4. any contradiction -> REVIEW_REQUIRED
//  5. otherwise the oracle's own classification passes through
func Classify(v *analyze.Verdict, rules graph.Rules) Classification {
	if !v.NeedsUpdate {
		return NoAction
	}

	if v.Confidence < rules.Threshold() {
		return ReviewRequired
	}

	for _, cat := range rules.ReviewCategories() {
		if v.Category == cat {
			return ReviewRequired
		}
	}

	if len(v.Contradictions) > 0 {
		return ReviewRequired
	}

	switch Classification(v.Classification) {
	case SafeAutoApply:
		return SafeAutoApply
	case NoAction:
		// The oracle said needsUpdate but classified NO_ACTION: treat the
		// contradiction conservatively.
		return ReviewRequired
	case ReviewRecommended, ReviewRequired:
		return Classification(v.Classification)
	default:
		return ReviewRecommended
	}
}
