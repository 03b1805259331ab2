package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"knit/internal/analyze"
	"knit/internal/classify"
	"knit/internal/gitio"
	"knit/internal/graph"
	"knit/internal/hashtrack"
	"knit/internal/ignore"
	"knit/internal/session"
)

// fakeGit scripts the repository boundary.
type fakeGit struct {
	root      string
	status    gitio.Status
	parent    string
	parentErr error
	changes   []gitio.ChangeEvent

	commitErr error
	commits   []string
	branches  []string
}

func (f *fakeGit) Root() string { return f.root }
func (f *fakeGit) Status() (*gitio.Status, error) {
	st := f.status
	return &st, nil
}
func (f *fakeGit) StagedChanges() ([]gitio.ChangeEvent, error) {
	return f.changes, nil
}
func (f *fakeGit) RecursiveChanges(base string) ([]gitio.ChangeEvent, error) {
	return f.changes, nil
}
func (f *fakeGit) LastCommitChanges() ([]gitio.ChangeEvent, error) {
	return f.changes, nil
}
func (f *fakeGit) ParentBranch(branch string) (string, error) {
	return f.parent, f.parentErr
}
func (f *fakeGit) CreateBranch(name string) error {
	f.branches = append(f.branches, name)
	return nil
}
func (f *fakeGit) Commit(message string) (string, error) {
	if f.commitErr != nil {
		return "", f.commitErr
	}
	f.commits = append(f.commits, message)
	return "abc123", nil
}

// scriptedAnalyzer returns canned verdicts keyed by dependent path.
type scriptedAnalyzer struct {
	verdicts map[string]*analyze.Verdict
	err      error
	calls    int
}

func (a *scriptedAnalyzer) Analyze(ctx context.Context, req analyze.Request) (*analyze.Verdict, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	v, ok := a.verdicts[req.DependentFile]
	if !ok {
		return &analyze.Verdict{Contradictions: []string{}}, nil
	}
	return v, nil
}

func safeVerdict(patch string) *analyze.Verdict {
	return &analyze.Verdict{
		NeedsUpdate:    true,
		Category:       analyze.CategoryDocumentation,
		Confidence:     0.95,
		Contradictions: []string{},
		Reasoning:      "doc drift",
		ProposedPatch:  patch,
		Classification: string(classify.SafeAutoApply),
	}
}

// patchText builds a diff-match-patch patch transforming before into after.
func patchText(t *testing.T, before, after string) string {
	t.Helper()
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(before, after))
}

type fixture struct {
	orch *Orchestrator
	git  *fakeGit
	an   *scriptedAnalyzer
	root string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	git := &fakeGit{
		root:   root,
		status: gitio.Status{CurrentBranch: "feature/auth"},
	}
	an := &scriptedAnalyzer{verdicts: map[string]*analyze.Verdict{}}

	links, err := graph.Open(filepath.Join(root, ".knit"))
	if err != nil {
		t.Fatal(err)
	}

	tracker, err := hashtrack.Open(filepath.Join(root, ".knit"), root)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tracker.Close() })

	return &fixture{
		orch: &Orchestrator{
			Git:      git,
			Links:    links,
			Sessions: session.NewStore(filepath.Join(root, ".knit")),
			Hashes:   tracker,
			Analyzer: an,
			Opts: Options{
				Mode:       session.ModeInPlace,
				AutoApply:  true,
				BaseBranch: "develop",
			},
		},
		git:  git,
		an:   an,
		root: root,
	}
}

func (f *fixture) write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.root, path), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, path))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRunRejectsProtectedBranch(t *testing.T) {
	for _, branch := range []string{"main", "master"} {
		f := setup(t)
		f.git.status.CurrentBranch = branch

		_, err := f.orch.Run(context.Background())
		var pre *PreconditionError
		if !errors.As(err, &pre) {
			t.Errorf("branch %s: expected PreconditionError, got %v", branch, err)
		}
	}
}

func TestBranchModeRequiresCleanTree(t *testing.T) {
	f := setup(t)
	f.orch.Opts.Mode = session.ModeBranch
	f.git.status.HasUncommittedChanges = true

	_, err := f.orch.Run(context.Background())
	var pre *PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
	if !strings.Contains(pre.Remedy, "stash") {
		t.Errorf("expected a remedy mentioning stash, got %q", pre.Remedy)
	}
}

func TestParentDetectionFailureSurfacesEarly(t *testing.T) {
	f := setup(t)
	f.orch.Opts.BaseBranch = ""
	f.git.parentErr = gitio.ErrAmbiguousParent

	_, err := f.orch.Run(context.Background())
	var pre *PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
	if !strings.Contains(pre.Remedy, "--base-branch") {
		t.Errorf("expected remedy to suggest --base-branch, got %q", pre.Remedy)
	}
	if f.an.calls != 0 {
		t.Errorf("no analysis should run after a precondition failure, got %d calls", f.an.calls)
	}
}

func TestRunAutoApplies(t *testing.T) {
	f := setup(t)
	old := "# API\n\nThe login endpoint takes a username.\n"
	updated := "# API\n\nThe login endpoint takes a username and an OTP code.\n"
	f.write(t, "docs.md", old)
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+otp", Timestamp: time.Now()}}
	f.an.verdicts["docs.md"] = safeVerdict(patchText(t, old, updated))

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if sess.Status != session.StatusCompleted {
		t.Errorf("expected completed status, got %s", sess.Status)
	}
	if sess.AutoApplied != 1 || sess.Reviewed != 0 {
		t.Errorf("counters: applied=%d reviewed=%d", sess.AutoApplied, sess.Reviewed)
	}
	if got := f.read(t, "docs.md"); got != updated {
		t.Errorf("patch not applied:\n%s", got)
	}
	if len(f.git.commits) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(f.git.commits))
	}
	if !strings.Contains(f.git.commits[0], "docs.md") {
		t.Errorf("commit message should name the applied file:\n%s", f.git.commits[0])
	}

	// The fresh hash means the dependent is reconciled.
	changed, err := f.orch.Hashes.HasChanged("docs.md")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("hash should be recorded after apply")
	}

	// The session is durable.
	loaded, err := f.orch.Sessions.Load(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || loaded.AutoApplied != 1 {
		t.Errorf("session not persisted: %+v", loaded)
	}
}

func TestCommitFailureLeavesDurableSession(t *testing.T) {
	f := setup(t)
	old := "content\n"
	f.write(t, "docs.md", old)
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+x"}}
	f.an.verdicts["docs.md"] = safeVerdict(patchText(t, old, "changed\n"))
	f.git.commitErr = errors.New("pre-commit hook rejected the commit")

	sess, err := f.orch.Run(context.Background())
	if err == nil {
		t.Fatal("expected the commit failure to surface")
	}
	if sess == nil {
		t.Fatal("the session must be returned even when the commit fails")
	}

	// The file was already patched; the accounting must be on disk.
	loaded, loadErr := f.orch.Sessions.Load(sess.ID)
	if loadErr != nil {
		t.Fatal(loadErr)
	}
	if loaded == nil {
		t.Fatal("session not persisted after commit failure")
	}
	if loaded.Status != session.StatusCompleted || loaded.AutoApplied != 1 {
		t.Errorf("persisted session incomplete: status=%s applied=%d", loaded.Status, loaded.AutoApplied)
	}
	if len(loaded.Results) != 1 {
		t.Errorf("persisted session missing results: %d", len(loaded.Results))
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	f := setup(t)
	old := "original content\n"
	f.write(t, "docs.md", old)
	f.orch.Opts.Mode = session.ModeDryRun
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+x"}}
	f.an.verdicts["docs.md"] = safeVerdict(patchText(t, old, "changed content\n"))

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sess.AutoApplied != 1 {
		t.Errorf("dry run should count would-applies, got %d", sess.AutoApplied)
	}
	if got := f.read(t, "docs.md"); got != old {
		t.Errorf("dry run wrote to the file:\n%s", got)
	}
	if len(f.git.commits) != 0 {
		t.Errorf("dry run committed: %v", f.git.commits)
	}
	// The session is still recorded.
	if loaded, _ := f.orch.Sessions.Load(sess.ID); loaded == nil {
		t.Error("dry run session not persisted")
	}
}

func TestAnalyzerFailureContained(t *testing.T) {
	f := setup(t)
	f.write(t, "docs.md", "content\n")
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+x"}}
	f.an.err = errors.New("model unavailable")

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != session.StatusCompleted {
		t.Errorf("a pair failure must not abort the run, got status %s", sess.Status)
	}
	if len(sess.Results) != 1 {
		t.Fatalf("the failed pair must still produce a result, got %d", len(sess.Results))
	}
	r := sess.Results[0]
	if r.Classification != classify.ReviewRequired || r.Confidence != 0 {
		t.Errorf("failure should map to REVIEW_REQUIRED at zero confidence: %+v", r)
	}
	if r.Metadata.ErrorType != ErrTypeAnalyzerFailure {
		t.Errorf("expected analyzer_failure, got %s", r.Metadata.ErrorType)
	}
	if sess.Reviewed != 1 {
		t.Errorf("expected the failure counted for review, got %d", sess.Reviewed)
	}
}

func TestMissingDependentContained(t *testing.T) {
	f := setup(t)
	f.orch.Links.AddLink("missing.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+x"}}

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(sess.Results))
	}
	if sess.Results[0].Metadata.ErrorType != ErrTypeFileNotFound {
		t.Errorf("expected file_not_found, got %s", sess.Results[0].Metadata.ErrorType)
	}
	if f.an.calls != 0 {
		t.Errorf("unreadable dependent should not reach the analyzer, got %d calls", f.an.calls)
	}
}

func TestBadPatchDowngradesToReview(t *testing.T) {
	f := setup(t)
	f.write(t, "docs.md", "content\n")
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+x"}}
	f.an.verdicts["docs.md"] = safeVerdict("this is not a patch")

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sess.AutoApplied != 0 || sess.Reviewed != 1 {
		t.Errorf("counters: applied=%d reviewed=%d", sess.AutoApplied, sess.Reviewed)
	}
	if sess.Results[0].Classification != classify.ReviewRequired {
		t.Errorf("expected downgrade to REVIEW_REQUIRED, got %s", sess.Results[0].Classification)
	}
	if got := f.read(t, "docs.md"); got != "content\n" {
		t.Errorf("file must not change on a failed patch:\n%s", got)
	}
	if len(f.git.commits) != 0 {
		t.Errorf("nothing applied, nothing to commit: %v", f.git.commits)
	}
}

func TestNoActionCountsNowhere(t *testing.T) {
	f := setup(t)
	f.write(t, "docs.md", "content\n")
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+x"}}
	f.an.verdicts["docs.md"] = &analyze.Verdict{
		NeedsUpdate:    false,
		Contradictions: []string{},
	}

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sess.AutoApplied != 0 || sess.Reviewed != 0 || sess.Rejected != 0 {
		t.Errorf("no-action should touch no counter: %+v", sess)
	}
	if len(sess.Results) != 1 {
		t.Errorf("no-action is still recorded, got %d results", len(sess.Results))
	}
}

func TestNoAutoApplyStagesEverything(t *testing.T) {
	f := setup(t)
	old := "content\n"
	f.write(t, "docs.md", old)
	f.orch.Opts.AutoApply = false
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+x"}}
	f.an.verdicts["docs.md"] = safeVerdict(patchText(t, old, "changed\n"))

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sess.AutoApplied != 0 || sess.Reviewed != 1 {
		t.Errorf("counters: applied=%d reviewed=%d", sess.AutoApplied, sess.Reviewed)
	}
	if got := f.read(t, "docs.md"); got != old {
		t.Error("no-auto-apply must not write")
	}
}

func TestSafeOnlyGate(t *testing.T) {
	f := setup(t)
	old := "content here\n"
	f.write(t, "docs.md", old)
	f.orch.Opts.SafeOnly = true
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+x"}}

	// Confidence clears the threshold but not the safe-only bar.
	v := safeVerdict(patchText(t, old, "updated here\n"))
	v.Confidence = 0.85
	f.an.verdicts["docs.md"] = v

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sess.AutoApplied != 0 || sess.Reviewed != 1 {
		t.Errorf("safe-only should stage borderline results: applied=%d reviewed=%d", sess.AutoApplied, sess.Reviewed)
	}
	if got := f.read(t, "docs.md"); got != old {
		t.Error("safe-only staged a write")
	}
}

func TestSafeOnlyStillAppliesConservativeResults(t *testing.T) {
	f := setup(t)
	old := "content here\n"
	f.write(t, "docs.md", old)
	f.orch.Opts.SafeOnly = true
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+x"}}

	// High confidence, concrete patch, no contradictions: clears the bar.
	f.an.verdicts["docs.md"] = safeVerdict(patchText(t, old, "updated here\n"))

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sess.AutoApplied != 1 || sess.Reviewed != 0 {
		t.Errorf("conservative result should apply: applied=%d reviewed=%d", sess.AutoApplied, sess.Reviewed)
	}
	if got := f.read(t, "docs.md"); got != "updated here\n" {
		t.Errorf("patch not applied:\n%s", got)
	}
}

func TestInteractiveDecline(t *testing.T) {
	f := setup(t)
	old := "content\n"
	f.write(t, "docs.md", old)
	f.orch.Opts.Interactive = true
	f.orch.Confirm = func(session.Result) bool { return false }
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+x"}}
	f.an.verdicts["docs.md"] = safeVerdict(patchText(t, old, "changed\n"))

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sess.Rejected != 1 || sess.AutoApplied != 0 {
		t.Errorf("declined apply should count as rejected: %+v", sess)
	}
	if got := f.read(t, "docs.md"); got != old {
		t.Error("declined apply wrote anyway")
	}
}

func TestBranchModeCreatesBranch(t *testing.T) {
	f := setup(t)
	f.orch.Opts.Mode = session.ModeBranch

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sess.ReconciliationBranch == "" || !strings.HasPrefix(sess.ReconciliationBranch, "knit/reconcile-") {
		t.Errorf("unexpected branch name %q", sess.ReconciliationBranch)
	}
	if len(f.git.branches) != 1 || f.git.branches[0] != sess.ReconciliationBranch {
		t.Errorf("branch not created: %v", f.git.branches)
	}
}

func TestIgnoreFiltersChangeSet(t *testing.T) {
	f := setup(t)
	f.write(t, "docs.md", "content\n")
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.orch.Links.AddLink("docs.md", "vendor/lib.ts", graph.Rules{})
	f.orch.Ignore = ignore.NewMatcher()
	f.orch.Ignore.AddPattern("vendor/")
	f.git.changes = []gitio.ChangeEvent{
		{Filepath: "vendor/lib.ts", Diff: "+x"},
		{Filepath: "api.ts", Diff: "+x"},
	}
	f.an.verdicts["docs.md"] = &analyze.Verdict{NeedsUpdate: false, Contradictions: []string{}}

	sess, err := f.orch.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Changes) != 1 || sess.Changes[0].Filepath != "api.ts" {
		t.Errorf("ignored change not filtered: %+v", sess.Changes)
	}
	if f.an.calls != 1 {
		t.Errorf("expected 1 analysis, got %d", f.an.calls)
	}
}

func TestCancellationInterrupts(t *testing.T) {
	f := setup(t)
	f.write(t, "docs.md", "content\n")
	f.orch.Links.AddLink("docs.md", "api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "api.ts", Diff: "+x"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess, err := f.orch.Run(ctx)
	if err == nil {
		t.Fatal("expected an interruption error")
	}
	if sess == nil || sess.Status != session.StatusInterrupted {
		t.Fatalf("expected interrupted session, got %+v", sess)
	}
	// The interrupted session is durable for resumption.
	loaded, err := f.orch.Sessions.Load(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || loaded.Status != session.StatusInterrupted {
		t.Errorf("interrupted session not persisted: %+v", loaded)
	}
}

func TestDelegateSkipsAnalyzer(t *testing.T) {
	f := setup(t)
	f.orch.Links.AddLink("docs/api.md", "src/api.ts", graph.Rules{})
	f.git.changes = []gitio.ChangeEvent{{Filepath: "src/api.ts", Diff: "+x"}}

	batch, err := f.orch.Delegate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.an.calls != 0 {
		t.Errorf("delegation must not call the analyzer, got %d calls", f.an.calls)
	}
	if batch.Summary.Total != 1 {
		t.Fatalf("expected 1 request, got %d", batch.Summary.Total)
	}
	r := batch.Requests[0]
	if r.SourceFile != "src/api.ts" || r.TargetFile != "docs/api.md" {
		t.Errorf("wrong pair: %+v", r)
	}
}

func TestCommitMessage(t *testing.T) {
	sess := &session.Session{
		ID:           "20260314-092653.000",
		SourceBranch: "feature/auth",
		AutoApplied:  1,
		Reviewed:     1,
		Results: []session.Result{
			{
				Classification: classify.SafeAutoApply,
				Confidence:     0.95,
				Reasoning:      "doc drift\nsecond line",
				Metadata:       session.ResultMetadata{TargetFile: "docs/api.md"},
			},
			{
				Classification: classify.ReviewRequired,
				RequiresReview: true,
				Confidence:     0.4,
				Contradictions: []string{"doc claims GET"},
				Metadata:       session.ResultMetadata{TargetFile: "docs/auth.md"},
			},
		},
	}

	msg := CommitMessage(sess)
	for _, want := range []string{
		"knit: reconcile 2 dependent(s) on feature/auth",
		"Auto-applied:",
		"docs/api.md - doc drift (95%)",
		"Needs review:",
		"contradiction: doc claims GET",
		"Session 20260314-092653.000: 1 applied, 1 for review, 0 rejected",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("commit message missing %q:\n%s", want, msg)
		}
	}
}
