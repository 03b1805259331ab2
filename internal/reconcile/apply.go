package reconcile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// applyPatch applies a proposed patch (diff-match-patch patch text) to the
// file at root/path. Any hunk that fails to apply fails the whole
// application; the caller downgrades to review instead of writing a
// half-patched file.
func applyPatch(root, path, patchText string) error {
	if patchText == "" {
		return fmt.Errorf("no proposed patch")
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return fmt.Errorf("parsing proposed patch: %w", err)
	}
	if len(patches) == 0 {
		return fmt.Errorf("proposed patch is empty")
	}

	abs := filepath.Join(root, path)
	content, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	patched, applied := dmp.PatchApply(patches, string(content))
	for i, ok := range applied {
		if !ok {
			return fmt.Errorf("hunk %d did not apply cleanly to %s", i+1, path)
		}
	}

	info, err := os.Stat(abs)
	mode := os.FileMode(0644)
	if err == nil {
		mode = info.Mode()
	}

	if err := os.WriteFile(abs, []byte(patched), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}
