// Package analyze defines the change-analyzer boundary.
//
// The analyzer is an external, untrusted oracle: it judges whether a
// dependent file needs updating given an upstream diff. Its verdicts are
// never applied without re-derivation by the classification layer.
package analyze

import "context"

// Change categories an analyzer may report.
const (
	CategoryDocumentation  = "documentation"
	CategoryImplementation = "implementation"
	CategoryInterface      = "interface"
	CategoryBreaking       = "breaking"
)

// Request carries one (changed file, dependent file) pair to the analyzer.
type Request struct {
	ChangedFile      string
	DependentFile    string
	Diff             string
	DependentContent string
	RelationshipHint string
}

// Verdict is the analyzer's judgment for one pair. All fields are
// untrusted input.
type Verdict struct {
	NeedsUpdate    bool     `json:"needsUpdate"`
	Category       string   `json:"category"`
	Confidence     float64  `json:"confidence"`
	Contradictions []string `json:"contradictions"`
	Reasoning      string   `json:"reasoning"`
	ProposedPatch  string   `json:"proposedPatch,omitempty"`

	// Classification is the oracle's self-reported safety claim. The rule
	// layer may pass it through but never lets it override a structural
	// guard.
	Classification string `json:"classification"`
}

// Analyzer is the single point of contact with the oracle. Any transport
// (hosted API, local model, subprocess) can implement it.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Verdict, error)
}
