// Package main provides the knit CLI.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"knit/internal/analyze"
	"knit/internal/delegate"
	"knit/internal/gitio"
	"knit/internal/graph"
	"knit/internal/hashtrack"
	"knit/internal/ignore"
	"knit/internal/lockfile"
	"knit/internal/reconcile"
	"knit/internal/session"
)

const knitDir = ".knit"

// Version is the current knit CLI version.
var Version = "0.3.1"

var rootCmd = &cobra.Command{
	Use:     "knit",
	Short:   "Knit - dependency reconciliation for repositories",
	Long:    `Knit tracks declared dependency links between files, detects when upstream files change, and reconciles dependents: safe updates are auto-applied, risky ones are staged for review, or the whole batch is delegated to an external agent.`,
	Version: Version,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize knit in the current repository",
	RunE:  runInit,
}

var linkCmd = &cobra.Command{
	Use:   "link <dependent> <upstream>",
	Short: "Declare that a file depends on an upstream file",
	Long: `Declare a directed dependency link: the dependent file may need
updates when the upstream file changes.

Examples:
  knit link docs/api.md src/api.ts
  knit link docs/api.md src/api.ts --auto-apply-threshold 0.9
  knit link src/client.go proto/service.proto --require-review-category breaking`,
	Args: cobra.ExactArgs(2),
	RunE: runLink,
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink <dependent> <upstream>",
	Short: "Remove a declared dependency link",
	Args:  cobra.ExactArgs(2),
	RunE:  runUnlink,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Detect upstream changes and reconcile their dependents",
	Long: `Resolves the change set for the current branch, expands each changed
file into its declared dependents, and obtains a verdict per dependent.
Verdicts that clear every structural guard are auto-applied; everything
else is staged for review. In delegate mode, structured work requests are
emitted instead of analyzing.

Modes:
  in-place  all changes since the base (or detected parent) branch; applies
            on the current branch (default)
  branch    changes of the most recent commit; applies on a new knit/ branch
  dry-run   in-place resolution, no writes, no commit

Examples:
  knit reconcile
  knit reconcile --dry-run
  knit reconcile --base-branch develop --safe-only
  knit reconcile --delegate --delegate-format structured`,
	RunE: runReconcile,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show repository, link, and session status",
	RunE:  runStatus,
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the dependency graph",
	RunE:  runGraph,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past reconciliation sessions, newest first",
	RunE:  runHistory,
}

var mergeCmd = &cobra.Command{
	Use:   "merge [branch]",
	Short: "Fast-forward the current branch onto a reconciliation branch",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMerge,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune old reconciliation sessions",
	RunE:  runCleanup,
}

var (
	linkThreshold        float64
	linkReviewCategories []string

	recMode           string
	recAutoApply      bool
	recNoAutoApply    bool
	recSafeOnly       bool
	recInteractive    bool
	recStagedOnly     bool
	recBaseBranch     string
	recCreateBranch   bool
	recDryRun         bool
	recDelegate       bool
	recDelegateFormat string

	statusDetailed bool
	graphFormat    string
	historyLimit   int
	mergeDelete    bool
	cleanupKeep    int
	cleanupForce   bool
)

func init() {
	linkCmd.Flags().Float64Var(&linkThreshold, "auto-apply-threshold", 0, "Minimum analyzer confidence to bypass review for this link")
	linkCmd.Flags().StringSliceVar(&linkReviewCategories, "require-review-category", nil, "Change category that always forces review (repeatable)")

	reconcileCmd.Flags().StringVar(&recMode, "mode", "in-place", "Run mode: in-place, branch, dry-run")
	reconcileCmd.Flags().BoolVar(&recAutoApply, "auto-apply", true, "Apply SAFE_AUTO_APPLY results")
	reconcileCmd.Flags().BoolVar(&recNoAutoApply, "no-auto-apply", false, "Stage everything for review, apply nothing")
	reconcileCmd.Flags().BoolVar(&recSafeOnly, "safe-only", false, "Apply only high-confidence results with a clean patch")
	reconcileCmd.Flags().BoolVar(&recInteractive, "interactive", false, "Confirm each apply on the terminal")
	reconcileCmd.Flags().BoolVar(&recStagedOnly, "staged-only", false, "Analyze staged changes only")
	reconcileCmd.Flags().StringVar(&recBaseBranch, "base-branch", "", "Base branch for change resolution (default: detected parent)")
	reconcileCmd.Flags().BoolVar(&recCreateBranch, "create-branch", false, "Create a knit/ branch before applying in-place")
	reconcileCmd.Flags().BoolVar(&recDryRun, "dry-run", false, "Shorthand for --mode dry-run")
	reconcileCmd.Flags().BoolVar(&recDelegate, "delegate", false, "Emit work requests instead of analyzing")
	reconcileCmd.Flags().StringVar(&recDelegateFormat, "delegate-format", "structured", "Delegate output: structured, commands, interactive")

	statusCmd.Flags().BoolVar(&statusDetailed, "detailed", false, "Show per-link rules and dependent freshness")
	graphCmd.Flags().StringVar(&graphFormat, "format", "text", "Output format: text, json")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "Maximum sessions to list")
	mergeCmd.Flags().BoolVar(&mergeDelete, "delete-branch", false, "Delete the reconciliation branch after merging")
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 10, "Number of recent sessions to keep")
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "Skip confirmation and the zstd archive of pruned sessions")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(unlinkCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openRepo opens the enclosing git repository or fails with remediation.
func openRepo() (*gitio.Repository, string, error) {
	if !gitio.IsRepository(".") {
		return nil, "", fmt.Errorf("not a git repository (knit requires one; run git init first)")
	}
	repo, err := gitio.Open(".")
	if err != nil {
		return nil, "", err
	}
	return repo, filepath.Join(repo.Root(), knitDir), nil
}

func runInit(cmd *cobra.Command, args []string) error {
	repo, controlDir, err := openRepo()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(controlDir, "reconciliation"), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", knitDir, err)
	}

	links, err := graph.Open(controlDir)
	if err != nil {
		return err
	}
	if err := links.Save(); err != nil {
		return err
	}

	tracker, err := hashtrack.Open(controlDir, repo.Root())
	if err != nil {
		return err
	}
	tracker.Close()

	fmt.Printf("Initialized knit in %s\n", controlDir)
	fmt.Println("Declare links with: knit link <dependent> <upstream>")
	return nil
}

func runLink(cmd *cobra.Command, args []string) error {
	_, controlDir, err := openRepo()
	if err != nil {
		return err
	}

	links, err := graph.Open(controlDir)
	if err != nil {
		return err
	}

	rules := graph.Rules{}
	if cmd.Flags().Changed("auto-apply-threshold") {
		if linkThreshold < 0 || linkThreshold > 1 {
			return fmt.Errorf("--auto-apply-threshold must be between 0 and 1")
		}
		t := linkThreshold
		rules.AutoApplyThreshold = &t
	}
	if len(linkReviewCategories) > 0 {
		rules.RequireReviewCategories = linkReviewCategories
	}

	dependent, upstream := filepath.ToSlash(args[0]), filepath.ToSlash(args[1])
	links.AddLink(dependent, upstream, rules)
	if err := links.Save(); err != nil {
		return err
	}

	fmt.Printf("Linked %s -> %s\n", dependent, upstream)
	return nil
}

func runUnlink(cmd *cobra.Command, args []string) error {
	_, controlDir, err := openRepo()
	if err != nil {
		return err
	}

	links, err := graph.Open(controlDir)
	if err != nil {
		return err
	}

	dependent, upstream := filepath.ToSlash(args[0]), filepath.ToSlash(args[1])
	if err := links.RemoveLink(dependent, upstream); err != nil {
		// Removing a missing link is a no-op, not a failure.
		fmt.Printf("No link %s -> %s; nothing removed\n", dependent, upstream)
		return nil
	}
	if err := links.Save(); err != nil {
		return err
	}

	fmt.Printf("Unlinked %s -> %s\n", dependent, upstream)
	return nil
}

func resolveMode() (string, error) {
	if recDryRun {
		return session.ModeDryRun, nil
	}
	switch recMode {
	case "in-place":
		return session.ModeInPlace, nil
	case "branch":
		return session.ModeBranch, nil
	case "dry-run":
		return session.ModeDryRun, nil
	default:
		return "", fmt.Errorf("unknown mode %q (use in-place, branch, or dry-run)", recMode)
	}
}

func runReconcile(cmd *cobra.Command, args []string) error {
	repo, controlDir, err := openRepo()
	if err != nil {
		return err
	}

	mode, err := resolveMode()
	if err != nil {
		return err
	}

	links, err := graph.Open(controlDir)
	if err != nil {
		return err
	}
	if links.Len() == 0 {
		return fmt.Errorf("no dependency links declared; add one with knit link")
	}

	matcher, err := ignore.Load(repo.Root())
	if err != nil {
		return fmt.Errorf("loading .knitignore: %w", err)
	}

	lock, err := lockfile.Acquire(controlDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := reconcile.Options{
		Mode:        mode,
		AutoApply:   recAutoApply && !recNoAutoApply,
		SafeOnly:    recSafeOnly,
		Interactive: recInteractive,
		StagedOnly:  recStagedOnly,
		BaseBranch:  recBaseBranch,
	}

	orch := &reconcile.Orchestrator{
		Git:      repo,
		Links:    links,
		Sessions: session.NewStore(controlDir),
		Ignore:   matcher,
		Opts:     opts,
		Out:      os.Stdout,
	}

	if recDelegate {
		batch, err := orch.Delegate(ctx)
		if err != nil {
			return err
		}
		return printDelegateBatch(batch, recDelegateFormat)
	}

	analyzer, err := analyze.NewOpenAIAnalyzer()
	if err != nil {
		return fmt.Errorf("configuring analyzer: %w", err)
	}
	orch.Analyzer = analyzer

	tracker, err := hashtrack.Open(controlDir, repo.Root())
	if err != nil {
		return err
	}
	defer tracker.Close()
	orch.Hashes = tracker

	if recInteractive {
		orch.Confirm = confirmOnTerminal
	}

	if recCreateBranch && mode == session.ModeInPlace {
		name := "knit/reconcile-" + session.NewID(time.Now())
		if err := repo.CreateBranch(name); err != nil {
			return err
		}
		fmt.Printf("Created branch %s\n", name)
	}

	sess, err := orch.Run(ctx)
	if sess != nil {
		printSessionSummary(sess)
	}
	return err
}

func confirmOnTerminal(r session.Result) bool {
	fmt.Printf("\nApply to %s? (%.0f%% confidence)\n", r.Metadata.TargetFile, r.Confidence*100)
	if r.Reasoning != "" {
		fmt.Printf("  %s\n", r.Reasoning)
	}
	fmt.Print("  [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printSessionSummary(sess *session.Session) {
	fmt.Printf("\nSession %s (%s, %s)\n", sess.ID, sess.Mode, sess.Status)
	fmt.Printf("  changes analyzed: %d\n", len(sess.Changes))
	fmt.Printf("  dependents:       %d\n", len(sess.Results))
	fmt.Printf("  auto-applied:     %d\n", sess.AutoApplied)
	fmt.Printf("  needs review:     %d\n", sess.Reviewed)
	if sess.Rejected > 0 {
		fmt.Printf("  rejected:         %d\n", sess.Rejected)
	}
	if sess.ReconciliationBranch != "" {
		fmt.Printf("  branch:           %s\n", sess.ReconciliationBranch)
	}
}

func printDelegateBatch(batch *delegate.Batch, format string) error {
	switch format {
	case "structured":
		data, err := json.MarshalIndent(batch, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "commands":
		for _, r := range batch.Requests {
			fmt.Printf("knit-agent update --id %s --source %s --target %s --relationship %s # confidence %.2f\n",
				r.ID, r.SourceFile, r.TargetFile, r.Relationship, r.Confidence)
		}
	case "interactive":
		for i, r := range batch.Requests {
			fmt.Printf("[%d/%d] %s -> %s (%s, %.0f%%)\n", i+1, len(batch.Requests), r.SourceFile, r.TargetFile, r.Relationship, r.Confidence*100)
			fmt.Printf("  %s\n\n", r.Prompt)
		}
	default:
		return fmt.Errorf("unknown delegate format %q (use structured, commands, or interactive)", format)
	}

	fmt.Fprintf(os.Stderr, "%d request(s): %d high confidence, %d need review\n",
		batch.Summary.Total, batch.Summary.HighConfidence, batch.Summary.RequiresReview)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	repo, controlDir, err := openRepo()
	if err != nil {
		return err
	}

	st, err := repo.Status()
	if err != nil {
		return err
	}

	links, err := graph.Open(controlDir)
	if err != nil {
		return err
	}

	fmt.Printf("Branch:       %s\n", st.CurrentBranch)
	if st.HasUncommittedChanges {
		fmt.Println("Working tree: dirty")
	} else {
		fmt.Println("Working tree: clean")
	}
	fmt.Printf("Links:        %d\n", links.Len())

	sessions, err := session.NewStore(controlDir).ListAll()
	if err != nil {
		return err
	}
	if len(sessions) > 0 {
		last := sessions[0]
		fmt.Printf("Last run:     %s (%s, %d applied, %d for review)\n",
			last.ID, last.Status, last.AutoApplied, last.Reviewed)
	} else {
		fmt.Println("Last run:     none")
	}

	if !statusDetailed {
		return nil
	}

	tracker, err := hashtrack.Open(controlDir, repo.Root())
	if err != nil {
		return err
	}
	defer tracker.Close()

	fmt.Println("\nLinks:")
	for _, l := range links.Links() {
		fmt.Printf("  %s -> %s", l.Dependent, l.Upstream)
		if l.Rules.AutoApplyThreshold != nil {
			fmt.Printf(" [threshold %.2f]", *l.Rules.AutoApplyThreshold)
		}
		if l.Rules.RequireReviewCategories != nil {
			fmt.Printf(" [review: %s]", strings.Join(l.Rules.RequireReviewCategories, ", "))
		}
		changed, err := tracker.HasChanged(l.Dependent)
		if err == nil && !changed {
			fmt.Print(" (reconciled)")
		}
		fmt.Println()
	}

	return nil
}

func runGraph(cmd *cobra.Command, args []string) error {
	_, controlDir, err := openRepo()
	if err != nil {
		return err
	}

	links, err := graph.Open(controlDir)
	if err != nil {
		return err
	}

	switch graphFormat {
	case "json":
		data, err := json.MarshalIndent(map[string]interface{}{"links": links.Links()}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "text":
		if links.Len() == 0 {
			fmt.Println("No links declared")
			return nil
		}
		for _, l := range links.Links() {
			fmt.Printf("%s -> %s\n", l.Dependent, l.Upstream)
		}
	default:
		return fmt.Errorf("unknown format %q (use text or json)", graphFormat)
	}

	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	_, controlDir, err := openRepo()
	if err != nil {
		return err
	}

	sessions, err := session.NewStore(controlDir).ListAll()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}
	if historyLimit > 0 && len(sessions) > historyLimit {
		sessions = sessions[:historyLimit]
	}

	for _, s := range sessions {
		fmt.Printf("%s  %-11s %-8s %2d change(s), %2d applied, %2d for review, %d rejected\n",
			s.ID, s.Status, s.Mode, len(s.Changes), s.AutoApplied, s.Reviewed, s.Rejected)
	}

	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	repo, controlDir, err := openRepo()
	if err != nil {
		return err
	}

	branch := ""
	if len(args) == 1 {
		branch = args[0]
	} else {
		sessions, err := session.NewStore(controlDir).ListAll()
		if err != nil {
			return err
		}
		for _, s := range sessions {
			if s.ReconciliationBranch != "" {
				branch = s.ReconciliationBranch
				break
			}
		}
		if branch == "" {
			return fmt.Errorf("no reconciliation branch recorded; pass one explicitly")
		}
	}

	if err := repo.FastForward(branch); err != nil {
		return err
	}
	fmt.Printf("Fast-forwarded onto %s\n", branch)

	if mergeDelete {
		if err := repo.DeleteBranch(branch); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", branch)
	}

	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	_, controlDir, err := openRepo()
	if err != nil {
		return err
	}

	store := session.NewStore(controlDir)
	sessions, err := store.ListAll()
	if err != nil {
		return err
	}
	prune := len(sessions) - cleanupKeep
	if prune <= 0 {
		fmt.Println("Nothing to clean up")
		return nil
	}

	if !cleanupForce {
		fmt.Printf("Remove %d session(s), keeping the %d most recent? [y/N] ", prune, cleanupKeep)
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted")
			return nil
		}
	}

	archiveDir := filepath.Join(controlDir, "archive")
	if cleanupForce {
		archiveDir = ""
	}

	removed, err := store.Cleanup(cleanupKeep, archiveDir)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d session(s)\n", removed)
	if archiveDir != "" && removed > 0 {
		fmt.Printf("Archived to %s\n", archiveDir)
	}

	return nil
}
