// Package gitio provides Git repository I/O operations using go-git.
package gitio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrAmbiguousParent is returned when parent-branch detection cannot pick a
// single candidate. The caller should ask the user for an explicit base
// branch instead of retrying.
var ErrAmbiguousParent = errors.New("parent branch is ambiguous")

// Status describes the repository state relevant to reconciliation.
type Status struct {
	CurrentBranch         string
	HasUncommittedChanges bool
}

// ChangeEvent is a detected modification to a tracked file, carrying its
// diff since the relevant baseline.
type ChangeEvent struct {
	Filepath  string    `json:"filepath"`
	Diff      string    `json:"diff"`
	Timestamp time.Time `json:"timestamp"`
}

// Repository wraps a go-git repository rooted at a working tree.
type Repository struct {
	repo *git.Repository
	root string
}

// IsRepository reports whether path is inside a git repository.
func IsRepository(path string) bool {
	_, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	return err == nil
}

// Open opens an existing Git repository.
func Open(repoPath string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Repository{repo: repo, root: repoPath}, nil
}

// Root returns the directory the repository was opened at.
func (r *Repository) Root() string {
	return r.root
}

// Status returns the current branch and whether the working tree is dirty.
func (r *Repository) Status() (*Status, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("computing status: %w", err)
	}

	return &Status{
		CurrentBranch:         head.Name().Short(),
		HasUncommittedChanges: !st.IsClean(),
	}, nil
}

// StagedChanges returns one ChangeEvent per file staged in the index,
// diffed against HEAD.
func (r *Repository) StagedChanges() ([]ChangeEvent, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("computing status: %w", err)
	}

	headCommit, err := r.headCommit()
	if err != nil {
		return nil, err
	}

	var paths []string
	for path, fs := range st {
		if fs.Staging == git.Unmodified || fs.Staging == git.Untracked {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	now := time.Now()
	var events []ChangeEvent
	for _, path := range paths {
		oldContent := r.commitFileContent(headCommit, path)
		newContent, err := r.indexFileContent(path)
		if err != nil {
			return nil, fmt.Errorf("reading staged %s: %w", path, err)
		}
		if oldContent == newContent {
			continue
		}
		events = append(events, ChangeEvent{
			Filepath:  path,
			Diff:      DiffText(oldContent, newContent),
			Timestamp: now,
		})
	}

	return events, nil
}

// RecursiveChanges returns one ChangeEvent per file that differs between
// the merge point with baseBranch and the working tip, uncommitted edits
// included.
func (r *Repository) RecursiveChanges(baseBranch string) ([]ChangeEvent, error) {
	headCommit, err := r.headCommit()
	if err != nil {
		return nil, err
	}
	baseCommit, err := r.branchCommit(baseBranch)
	if err != nil {
		return nil, err
	}

	mergeBases, err := headCommit.MergeBase(baseCommit)
	if err != nil {
		return nil, fmt.Errorf("finding merge base with %s: %w", baseBranch, err)
	}
	if len(mergeBases) == 0 {
		return nil, fmt.Errorf("no common ancestor with %s", baseBranch)
	}
	base := mergeBases[0]

	changed := make(map[string]bool)

	// Committed changes since divergence.
	if base.Hash != headCommit.Hash {
		baseTree, err := base.Tree()
		if err != nil {
			return nil, fmt.Errorf("getting base tree: %w", err)
		}
		headTree, err := headCommit.Tree()
		if err != nil {
			return nil, fmt.Errorf("getting head tree: %w", err)
		}
		changes, err := baseTree.Diff(headTree)
		if err != nil {
			return nil, fmt.Errorf("computing tree diff: %w", err)
		}
		for _, c := range changes {
			if name := changeName(c); name != "" {
				changed[name] = true
			}
		}
	}

	// Uncommitted changes on top.
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("computing status: %w", err)
	}
	for path, fs := range st {
		if fs.Staging == git.Untracked && fs.Worktree == git.Untracked {
			continue
		}
		changed[path] = true
	}

	paths := make([]string, 0, len(changed))
	for p := range changed {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	now := time.Now()
	var events []ChangeEvent
	for _, path := range paths {
		oldContent := r.commitFileContent(base, path)
		newContent := r.worktreeFileContent(path)
		if oldContent == newContent {
			continue
		}
		events = append(events, ChangeEvent{
			Filepath:  path,
			Diff:      DiffText(oldContent, newContent),
			Timestamp: now,
		})
	}

	return events, nil
}

// LastCommitChanges returns one ChangeEvent per file touched by the most
// recent commit (HEAD~1..HEAD).
func (r *Repository) LastCommitChanges() ([]ChangeEvent, error) {
	headCommit, err := r.headCommit()
	if err != nil {
		return nil, err
	}

	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting head tree: %w", err)
	}

	if headCommit.NumParents() == 0 {
		// Root commit: every file is an addition.
		var events []ChangeEvent
		err = headTree.Files().ForEach(func(f *object.File) error {
			content, err := f.Contents()
			if err != nil {
				return fmt.Errorf("reading %s: %w", f.Name, err)
			}
			events = append(events, ChangeEvent{
				Filepath:  f.Name,
				Diff:      DiffText("", content),
				Timestamp: headCommit.Committer.When,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Slice(events, func(i, j int) bool { return events[i].Filepath < events[j].Filepath })
		return events, nil
	}

	parent, err := headCommit.Parent(0)
	if err != nil {
		return nil, fmt.Errorf("getting parent commit: %w", err)
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting parent tree: %w", err)
	}

	changes, err := parentTree.Diff(headTree)
	if err != nil {
		return nil, fmt.Errorf("computing tree diff: %w", err)
	}

	var events []ChangeEvent
	for _, c := range changes {
		name := changeName(c)
		if name == "" {
			continue
		}
		patch, err := c.Patch()
		if err != nil {
			return nil, fmt.Errorf("generating patch for %s: %w", name, err)
		}
		events = append(events, ChangeEvent{
			Filepath:  name,
			Diff:      patch.String(),
			Timestamp: headCommit.Committer.When,
		})
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Filepath < events[j].Filepath })
	return events, nil
}

// ParentBranch heuristically detects the branch the given branch diverged
// from: the local branch whose merge base with HEAD is the most recent.
// Returns ErrAmbiguousParent when no single candidate wins.
func (r *Repository) ParentBranch(branch string) (string, error) {
	headCommit, err := r.headCommit()
	if err != nil {
		return "", err
	}

	branches, err := r.repo.Branches()
	if err != nil {
		return "", fmt.Errorf("listing branches: %w", err)
	}

	type candidate struct {
		name string
		base plumbing.Hash
		when time.Time
	}
	var candidates []candidate

	err = branches.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if name == branch || strings.HasPrefix(name, "knit/") {
			return nil
		}
		commit, err := r.repo.CommitObject(ref.Hash())
		if err != nil {
			return nil // dangling ref, skip
		}
		bases, err := headCommit.MergeBase(commit)
		if err != nil || len(bases) == 0 {
			return nil // unrelated history, skip
		}
		candidates = append(candidates, candidate{
			name: name,
			base: bases[0].Hash,
			when: bases[0].Committer.When,
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scanning branches: %w", err)
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no other local branches share history with %s", ErrAmbiguousParent, branch)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].when.Equal(candidates[j].when) {
			return candidates[i].when.After(candidates[j].when)
		}
		return candidates[i].name < candidates[j].name
	})

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.when.Equal(best.when) && c.base != best.base {
			return "", fmt.Errorf("%w: %s and %s are equally plausible", ErrAmbiguousParent, best.name, c.name)
		}
	}

	return best.name, nil
}

// CreateBranch creates a branch at HEAD and checks it out, keeping any
// uncommitted changes in the working tree.
func (r *Repository) CreateBranch(name string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
		Keep:   true,
	})
	if err != nil {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}
	return nil
}

// Commit stages all changes and commits them, returning the commit hash.
func (r *Repository) Commit(message string) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: r.signature(),
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}

	return hash.String(), nil
}

// FastForward advances the current branch to the tip of other, failing if
// the branches have diverged.
func (r *Repository) FastForward(other string) error {
	head, err := r.repo.Head()
	if err != nil {
		return fmt.Errorf("reading HEAD: %w", err)
	}
	headCommit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("getting HEAD commit: %w", err)
	}
	otherCommit, err := r.branchCommit(other)
	if err != nil {
		return err
	}

	if headCommit.Hash == otherCommit.Hash {
		return nil
	}

	ancestor, err := headCommit.IsAncestor(otherCommit)
	if err != nil {
		return fmt.Errorf("checking ancestry: %w", err)
	}
	if !ancestor {
		return fmt.Errorf("%s and %s have diverged; merge them with git", head.Name().Short(), other)
	}

	ref := plumbing.NewHashReference(head.Name(), otherCommit.Hash)
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("updating %s: %w", head.Name().Short(), err)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: otherCommit.Hash}); err != nil {
		return fmt.Errorf("updating worktree: %w", err)
	}

	return nil
}

// DeleteBranch removes a local branch reference.
func (r *Repository) DeleteBranch(name string) error {
	err := r.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name))
	if err != nil {
		return fmt.Errorf("deleting branch %s: %w", name, err)
	}
	return nil
}

// DiffText produces a line-oriented +/- diff between two contents. Long
// unchanged runs are elided to keep analyzer payloads small.
func DiffText(oldContent, newContent string) string {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	var sb strings.Builder
	for _, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			for _, line := range lines {
				sb.WriteString("+" + line + "\n")
			}
		case diffmatchpatch.DiffDelete:
			for _, line := range lines {
				sb.WriteString("-" + line + "\n")
			}
		default:
			if len(lines) > 8 {
				for _, line := range lines[:3] {
					sb.WriteString(" " + line + "\n")
				}
				sb.WriteString(fmt.Sprintf("@@ %d unchanged lines @@\n", len(lines)-6))
				lines = lines[len(lines)-3:]
			}
			for _, line := range lines {
				sb.WriteString(" " + line + "\n")
			}
		}
	}
	return sb.String()
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func changeName(c *object.Change) string {
	if c.To.Name != "" {
		return c.To.Name
	}
	return c.From.Name
}

func (r *Repository) headCommit() (*object.Commit, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("getting HEAD commit: %w", err)
	}
	return commit, nil
}

func (r *Repository) branchCommit(name string) (*object.Commit, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		return nil, fmt.Errorf("resolving branch %s: %w", name, err)
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("getting commit for %s: %w", name, err)
	}
	return commit, nil
}

// commitFileContent returns the file content at a commit, or "" if the file
// does not exist there.
func (r *Repository) commitFileContent(commit *object.Commit, path string) string {
	tree, err := commit.Tree()
	if err != nil {
		return ""
	}
	f, err := tree.File(path)
	if err != nil {
		return ""
	}
	content, err := f.Contents()
	if err != nil {
		return ""
	}
	return content
}

// indexFileContent returns the staged content of a file, or "" if the path
// is staged for deletion.
func (r *Repository) indexFileContent(path string) (string, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return "", fmt.Errorf("reading index: %w", err)
	}
	entry, err := idx.Entry(path)
	if err != nil {
		return "", nil // staged deletion
	}
	blob, err := r.repo.BlobObject(entry.Hash)
	if err != nil {
		return "", fmt.Errorf("reading blob: %w", err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return "", fmt.Errorf("opening blob: %w", err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading blob: %w", err)
	}
	return string(content), nil
}

func (r *Repository) worktreeFileContent(path string) string {
	content, err := os.ReadFile(filepath.Join(r.root, path))
	if err != nil {
		return ""
	}
	return string(content)
}

func (r *Repository) signature() *object.Signature {
	name, email := "knit", "knit@localhost"
	if cfg, err := r.repo.ConfigScoped(config.GlobalScope); err == nil {
		if cfg.User.Name != "" {
			name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			email = cfg.User.Email
		}
	}
	return &object.Signature{Name: name, Email: email, When: time.Now()}
}
