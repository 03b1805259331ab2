// Package reconcile drives the reconciliation state machine: precondition
// validation, change-set resolution, per-pair analysis, rule-layer
// classification, apply-or-flag, commit, and session accounting.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"knit/internal/analyze"
	"knit/internal/classify"
	"knit/internal/delegate"
	"knit/internal/gitio"
	"knit/internal/graph"
	"knit/internal/hashtrack"
	"knit/internal/ignore"
	"knit/internal/session"
)

// GitPort abstracts repository interaction so the orchestrator is testable
// without a real repository. gitio.Repository is the production
// implementation.
type GitPort interface {
	Root() string
	Status() (*gitio.Status, error)
	StagedChanges() ([]gitio.ChangeEvent, error)
	RecursiveChanges(baseBranch string) ([]gitio.ChangeEvent, error)
	LastCommitChanges() ([]gitio.ChangeEvent, error)
	ParentBranch(branch string) (string, error)
	CreateBranch(name string) error
	Commit(message string) (string, error)
}

// Options configure a run.
type Options struct {
	Mode        string
	AutoApply   bool
	SafeOnly    bool
	Interactive bool
	StagedOnly  bool
	BaseBranch  string
}

// Orchestrator wires the engine's collaborators.
type Orchestrator struct {
	Git      GitPort
	Links    *graph.Store
	Sessions *session.Store
	Hashes   *hashtrack.Tracker
	Analyzer analyze.Analyzer
	Ignore   *ignore.Matcher
	Opts     Options

	// Confirm is the interactive policy hook: called per SAFE_AUTO_APPLY
	// result before applying. Nil means decline everything in interactive
	// mode.
	Confirm func(session.Result) bool

	// Out receives progress lines; defaults to io.Discard.
	Out io.Writer
}

func (o *Orchestrator) out() io.Writer {
	if o.Out == nil {
		return io.Discard
	}
	return o.Out
}

// Run executes a full reconciliation and returns the persisted session.
// Per-pair failures never abort the run; precondition failures abort before
// any analysis.
func (o *Orchestrator) Run(ctx context.Context) (*session.Session, error) {
	st, base, err := o.validate()
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		Started:      time.Now(),
		Status:       session.StatusInProgress,
		SourceBranch: st.CurrentBranch,
		Mode:         o.Opts.Mode,
	}
	sess.ID = session.NewID(sess.Started)

	if o.Opts.Mode == session.ModeBranch {
		sess.ReconciliationBranch = "knit/reconcile-" + sess.ID
		if err := o.Git.CreateBranch(sess.ReconciliationBranch); err != nil {
			return nil, fmt.Errorf("creating reconciliation branch: %w", err)
		}
	}

	changes, err := o.resolveChanges(base)
	if err != nil {
		return nil, err
	}
	sess.Changes = changes

	for _, change := range changes {
		for _, dependent := range o.Links.Dependents(change.Filepath) {
			if ctx.Err() != nil {
				return o.interrupt(sess)
			}
			result := o.analyzePair(ctx, change, dependent)
			if result == nil {
				return o.interrupt(sess)
			}
			o.settle(sess, *result)
		}
	}

	// The session is durable before the commit is attempted: applied files
	// and recorded hashes must never outlive their accounting.
	sess.Status = session.StatusCompleted
	if err := o.Sessions.Save(sess); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	if o.Opts.Mode != session.ModeDryRun && sess.AutoApplied > 0 {
		if _, err := o.Git.Commit(CommitMessage(sess)); err != nil {
			return sess, fmt.Errorf("committing reconciliation: %w", err)
		}
	}

	return sess, nil
}

// Delegate resolves the change set like an in-place run but emits a batch
// of work requests instead of calling the analyzer.
func (o *Orchestrator) Delegate(ctx context.Context) (*delegate.Batch, error) {
	_, base, err := o.validate()
	if err != nil {
		return nil, err
	}

	changes, err := o.resolveChanges(base)
	if err != nil {
		return nil, err
	}

	var pairs []delegate.Pair
	for _, change := range changes {
		for _, dependent := range o.Links.Dependents(change.Filepath) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			pairs = append(pairs, delegate.Pair{Change: change, Dependent: dependent})
		}
	}

	return delegate.Build(pairs), nil
}

// validate runs the precondition checks and resolves the base branch
// eagerly, so detection failures surface before any analysis work.
func (o *Orchestrator) validate() (*gitio.Status, string, error) {
	st, err := o.Git.Status()
	if err != nil {
		return nil, "", fmt.Errorf("reading repository status: %w", err)
	}

	if st.CurrentBranch == "main" || st.CurrentBranch == "master" {
		return nil, "", &PreconditionError{
			Reason: fmt.Sprintf("reconciliation cannot run on %s", st.CurrentBranch),
			Remedy: "switch to a feature branch first",
		}
	}

	if o.Opts.Mode == session.ModeBranch && st.HasUncommittedChanges {
		return nil, "", &PreconditionError{
			Reason: "branch mode requires a clean working tree",
			Remedy: "commit or stash your changes, or use --mode in-place",
		}
	}

	if o.Opts.Mode != session.ModeBranch && st.HasUncommittedChanges && !o.Opts.StagedOnly {
		fmt.Fprintln(o.out(), "warning: uncommitted changes will be included in the change set (use --staged-only to restrict)")
	}

	base := o.Opts.BaseBranch
	if base == "" && o.Opts.Mode != session.ModeBranch && !o.Opts.StagedOnly {
		base, err = o.Git.ParentBranch(st.CurrentBranch)
		if err != nil {
			return nil, "", &PreconditionError{
				Reason: fmt.Sprintf("cannot detect the parent branch of %s: %v", st.CurrentBranch, err),
				Remedy: "pass --base-branch explicitly, or use --mode branch",
			}
		}
	}

	return st, base, nil
}

func (o *Orchestrator) resolveChanges(base string) ([]gitio.ChangeEvent, error) {
	var (
		changes []gitio.ChangeEvent
		err     error
	)
	switch {
	case o.Opts.Mode == session.ModeBranch:
		changes, err = o.Git.LastCommitChanges()
	case o.Opts.StagedOnly:
		changes, err = o.Git.StagedChanges()
	default:
		changes, err = o.Git.RecursiveChanges(base)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving change set: %w", err)
	}

	if o.Ignore == nil {
		return changes, nil
	}
	filtered := changes[:0]
	for _, c := range changes {
		if !o.Ignore.Match(c.Filepath) {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// analyzePair obtains a verdict for one pair and classifies it. Failures
// are contained into a REVIEW_REQUIRED result with confidence 0.
func (o *Orchestrator) analyzePair(ctx context.Context, change gitio.ChangeEvent, dependent string) *session.Result {
	meta := session.ResultMetadata{
		SourceFile: change.Filepath,
		TargetFile: dependent,
		Timestamp:  time.Now(),
	}

	content, err := os.ReadFile(filepath.Join(o.Git.Root(), dependent))
	if err != nil {
		meta.ErrorType = categorize(err)
		return errorResult(meta, fmt.Sprintf("reading dependent: %v", err))
	}

	verdict, err := o.Analyzer.Analyze(ctx, analyze.Request{
		ChangedFile:      change.Filepath,
		DependentFile:    dependent,
		Diff:             change.Diff,
		DependentContent: string(content),
		RelationshipHint: delegate.InferRelationship(change.Filepath, dependent),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		meta.ErrorType = ErrTypeAnalyzerFailure
		return errorResult(meta, fmt.Sprintf("analyzer: %v", err))
	}

	rules := o.Links.Rules(dependent, change.Filepath)
	cls := classify.Classify(verdict, rules)

	return &session.Result{
		Classification: cls,
		Confidence:     verdict.Confidence,
		Reasoning:      verdict.Reasoning,
		ProposedPatch:  verdict.ProposedPatch,
		Contradictions: verdict.Contradictions,
		RequiresReview: cls.RequiresReview(),
		Metadata:       meta,
	}
}

// settle applies or flags one classified result and updates the counters.
func (o *Orchestrator) settle(sess *session.Session, result session.Result) {
	dependent := result.Metadata.TargetFile
	defer func() { sess.Results = append(sess.Results, result) }()

	if result.Classification == classify.NoAction {
		return
	}

	if result.Classification == classify.SafeAutoApply && o.Opts.AutoApply {
		if o.Opts.SafeOnly && !isConservativelySafe(result) {
			result.RequiresReview = true
			sess.Reviewed++
			fmt.Fprintf(o.out(), "  review  %s (safe-only run)\n", dependent)
			return
		}
		if o.Opts.Interactive {
			if o.Confirm == nil || !o.Confirm(result) {
				sess.Rejected++
				fmt.Fprintf(o.out(), "  skipped %s (declined)\n", dependent)
				return
			}
		}

		if o.Opts.Mode == session.ModeDryRun {
			sess.AutoApplied++
			fmt.Fprintf(o.out(), "  would apply %s\n", dependent)
			return
		}

		if err := applyPatch(o.Git.Root(), dependent, result.ProposedPatch); err != nil {
			// Never half-apply: stage for review instead.
			result.Classification = classify.ReviewRequired
			result.RequiresReview = true
			result.Reasoning = strings.TrimSpace(result.Reasoning + "; patch not applied: " + err.Error())
			sess.Reviewed++
			fmt.Fprintf(o.out(), "  review  %s (%v)\n", dependent, err)
			return
		}
		if err := o.Hashes.UpdateHash(dependent); err != nil {
			fmt.Fprintf(o.out(), "  warning: recording hash for %s: %v\n", dependent, err)
		}
		sess.AutoApplied++
		fmt.Fprintf(o.out(), "  applied %s\n", dependent)
		return
	}

	sess.Reviewed++
	fmt.Fprintf(o.out(), "  review  %s (%s, %.0f%%)\n", dependent, result.Classification, result.Confidence*100)
}

func (o *Orchestrator) interrupt(sess *session.Session) (*session.Session, error) {
	sess.Status = session.StatusInterrupted
	if err := o.Sessions.Save(sess); err != nil {
		return nil, fmt.Errorf("saving interrupted session: %w", err)
	}
	return sess, fmt.Errorf("reconciliation interrupted; session %s recorded", sess.ID)
}

// isConservativelySafe reports whether a result is in the stricter subset
// that safe-only runs may still apply: no contradictions, a concrete patch,
// and confidence well above the default threshold.
func isConservativelySafe(r session.Result) bool {
	return len(r.Contradictions) == 0 && r.ProposedPatch != "" && r.Confidence >= 0.9
}

func errorResult(meta session.ResultMetadata, reasoning string) *session.Result {
	return &session.Result{
		Classification: classify.ReviewRequired,
		Confidence:     0,
		Reasoning:      reasoning,
		Contradictions: []string{},
		RequiresReview: true,
		Metadata:       meta,
	}
}

// CommitMessage renders the summary commit for a finished run.
func CommitMessage(sess *session.Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "knit: reconcile %d dependent(s) on %s\n", len(sess.Results), sess.SourceBranch)

	var applied, review []session.Result
	for _, r := range sess.Results {
		switch {
		case r.Classification == classify.SafeAutoApply:
			applied = append(applied, r)
		case r.RequiresReview:
			review = append(review, r)
		}
	}

	if len(applied) > 0 {
		sb.WriteString("\nAuto-applied:\n")
		for _, r := range applied {
			reason := firstLine(r.Reasoning)
			fmt.Fprintf(&sb, "  %s - %s (%.0f%%)\n", r.Metadata.TargetFile, reason, r.Confidence*100)
		}
	}

	if len(review) > 0 {
		sb.WriteString("\nNeeds review:\n")
		for _, r := range review {
			fmt.Fprintf(&sb, "  %s - %.0f%% confidence\n", r.Metadata.TargetFile, r.Confidence*100)
			for _, c := range r.Contradictions {
				fmt.Fprintf(&sb, "    contradiction: %s\n", c)
			}
		}
	}

	fmt.Fprintf(&sb, "\nSession %s: %d applied, %d for review, %d rejected\n",
		sess.ID, sess.AutoApplied, sess.Reviewed, sess.Rejected)

	return sb.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "no reasoning provided"
	}
	return s
}
