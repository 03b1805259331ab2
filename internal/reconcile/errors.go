package reconcile

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"knit/internal/gitio"
)

// Error categories recorded in result metadata.
const (
	ErrTypeMergeConflict         = "merge_conflict"
	ErrTypeFileNotFound          = "file_not_found"
	ErrTypePermissionDenied      = "permission_denied"
	ErrTypeBranchDetectionFailed = "branch_detection_failed"
	ErrTypeAnalyzerFailure       = "analyzer_failure"
	ErrTypeUnknown               = "unknown_error"
)

// PreconditionError aborts a run before any analysis, with a remediation
// the CLI surfaces to the user.
type PreconditionError struct {
	Reason string
	Remedy string
}

func (e *PreconditionError) Error() string {
	if e.Remedy == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s (%s)", e.Reason, e.Remedy)
}

// categorize maps an error from file I/O or the git layer to the taxonomy.
func categorize(err error) string {
	switch {
	case errors.Is(err, gitio.ErrAmbiguousParent):
		return ErrTypeBranchDetectionFailed
	case errors.Is(err, os.ErrNotExist):
		return ErrTypeFileNotFound
	case errors.Is(err, os.ErrPermission):
		return ErrTypePermissionDenied
	case strings.Contains(err.Error(), "conflict"):
		return ErrTypeMergeConflict
	default:
		return ErrTypeUnknown
	}
}
