// Package delegate generates structured work requests for an external
// agent instead of analyzing and applying changes directly.
//
// Relationship tags are heuristic, inferred from path and extension
// patterns. They shape prompts and the confidence estimate only; they never
// feed the classification layer's structural guards.
package delegate

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"knit/internal/gitio"
)

// Relationship tags.
const (
	DesignToCode  = "design_to_code"
	CodeToTest    = "code_to_test"
	TypesToUsage  = "types_to_usage"
	SpecToImpl    = "spec_to_impl"
	ConfigToCode  = "config_to_code"
	Bidirectional = "bidirectional"
)

// Confidence boundaries for the batch summary.
const (
	highConfidence = 0.8
	lowConfidence  = 0.6
)

// Request is one unit of work for an external agent.
type Request struct {
	ID           string  `json:"id"`
	SourceFile   string  `json:"sourceFile"`
	TargetFile   string  `json:"targetFile"`
	Changes      string  `json:"changes"`
	Relationship string  `json:"relationship"`
	Context      string  `json:"context"`
	Prompt       string  `json:"prompt"`
	Confidence   float64 `json:"confidence"`
}

// Summary aggregates a batch.
type Summary struct {
	Total          int `json:"total"`
	HighConfidence int `json:"highConfidence"`
	RequiresReview int `json:"requiresReview"`
}

// Batch is the terminal artifact of a delegate run.
type Batch struct {
	Generated time.Time `json:"generated"`
	Requests  []Request `json:"requests"`
	Summary   Summary   `json:"summary"`
}

// Build produces one request per (change, dependent) pair.
func Build(pairs []Pair) *Batch {
	batch := &Batch{Generated: time.Now()}

	for _, p := range pairs {
		rel := InferRelationship(p.Change.Filepath, p.Dependent)
		conf := Confidence(rel, p.Change.Filepath, p.Dependent, p.Change.Diff)

		batch.Requests = append(batch.Requests, Request{
			ID:           uuid.NewString(),
			SourceFile:   p.Change.Filepath,
			TargetFile:   p.Dependent,
			Changes:      p.Change.Diff,
			Relationship: rel,
			Context:      fmt.Sprintf("%s changed; %s is declared dependent on it", p.Change.Filepath, p.Dependent),
			Prompt:       buildPrompt(rel, p.Change.Filepath, p.Dependent),
			Confidence:   conf,
		})
	}

	batch.Summary.Total = len(batch.Requests)
	for _, r := range batch.Requests {
		if r.Confidence >= highConfidence {
			batch.Summary.HighConfidence++
		}
		if r.Confidence < lowConfidence {
			batch.Summary.RequiresReview++
		}
	}

	return batch
}

// Pair is one (change, dependent) combination.
type Pair struct {
	Change    gitio.ChangeEvent
	Dependent string
}

// InferRelationship tags the pair from path and extension patterns.
func InferRelationship(source, target string) string {
	srcExt := strings.ToLower(filepath.Ext(source))
	srcBase := strings.ToLower(filepath.Base(source))
	srcDir := strings.ToLower(filepath.ToSlash(filepath.Dir(source)))

	switch {
	case isTestFile(target) && isCodeFile(source):
		return CodeToTest
	case srcExt == ".md" && strings.Contains(srcBase, "spec"):
		return SpecToImpl
	case srcExt == ".md" && (strings.Contains(srcDir, "design") || strings.Contains(srcBase, "design")):
		return DesignToCode
	case srcExt == ".md" && isCodeFile(target):
		return DesignToCode
	case isTypesFile(source) && isCodeFile(target):
		return TypesToUsage
	case isConfigFile(source) && isCodeFile(target):
		return ConfigToCode
	default:
		return Bidirectional
	}
}

// Confidence estimates how mechanically actionable a request is: a base
// weight per relationship type, a naming-consistency bonus, and a
// diff-size adjustment, clamped to [0,1].
func Confidence(relationship, source, target, diff string) float64 {
	conf := baseWeight(relationship) * 0.4

	if stem(source) == stem(target) {
		conf += 0.2
	}

	lines := strings.Count(diff, "\n")
	switch {
	case lines < 50:
		conf += 0.1
	case lines > 200:
		conf -= 0.1
	}

	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func baseWeight(relationship string) float64 {
	switch relationship {
	case SpecToImpl:
		return 2.0
	case DesignToCode:
		return 1.9
	case TypesToUsage:
		return 1.8
	case CodeToTest:
		return 1.7
	case ConfigToCode:
		return 1.5
	default:
		return 1.0
	}
}

func buildPrompt(relationship, source, target string) string {
	switch relationship {
	case DesignToCode:
		return fmt.Sprintf("The design document %s changed. Update the implementation in %s so it matches the revised design. Preserve behavior the design does not mention.", source, target)
	case CodeToTest:
		return fmt.Sprintf("The implementation %s changed. Update the tests in %s to cover the new behavior and remove assertions that no longer hold.", source, target)
	case TypesToUsage:
		return fmt.Sprintf("The type definitions in %s changed. Update %s so every usage of the affected types compiles against the new shapes.", source, target)
	case SpecToImpl:
		return fmt.Sprintf("The specification %s changed. Bring %s into conformance with the revised specification, noting any conflict you cannot resolve.", source, target)
	case ConfigToCode:
		return fmt.Sprintf("The configuration %s changed. Update %s to read and honor the new configuration keys and defaults.", source, target)
	default:
		return fmt.Sprintf("%s changed and %s depends on it. Review the diff and update %s wherever it is now stale.", source, target, target)
	}
}

// stem strips extension and test/spec suffixes so api.ts and api.test.ts
// count as naming-consistent.
func stem(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	for _, suffix := range []string{".test", ".spec", "_test", "_spec"} {
		base = strings.TrimSuffix(base, suffix)
	}
	return strings.ToLower(base)
}

func isTestFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	return strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") ||
		strings.HasSuffix(stemWithExt(base), "_test") || strings.Contains(filepath.ToSlash(strings.ToLower(path)), "/tests/")
}

func stemWithExt(base string) string {
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isCodeFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go", ".ts", ".tsx", ".js", ".jsx", ".py", ".rb", ".java", ".rs", ".c", ".cc", ".cpp", ".h", ".cs", ".busy":
		return true
	}
	return false
}

func isTypesFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(base, ".d.ts") {
		return true
	}
	name := stemWithExt(base)
	return name == "types" || name == "models" || name == "schema"
}

func isConfigFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml", ".toml", ".ini", ".env":
		return true
	}
	return false
}
