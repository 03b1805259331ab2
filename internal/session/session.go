// Package session provides durable records of reconciliation runs.
//
// Each run is one append-once JSON file under the control directory,
// enabling history, audit, and resumption.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"knit/internal/classify"
	"knit/internal/gitio"
)

// Run status values.
const (
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
)

// Run modes.
const (
	ModeInPlace = "in_place"
	ModeBranch  = "branch"
	ModeDryRun  = "dry_run"
)

// ResultMetadata locates a result and records any error category.
type ResultMetadata struct {
	SourceFile string    `json:"sourceFile"`
	TargetFile string    `json:"targetFile"`
	Timestamp  time.Time `json:"timestamp"`
	ErrorType  string    `json:"errorType,omitempty"`
}

// Result is the outcome for one (changed file, dependent) pair. Errors
// produce a result too; no pair is silently dropped.
type Result struct {
	Classification classify.Classification `json:"classification"`
	Confidence     float64                 `json:"confidence"`
	Reasoning      string                  `json:"reasoning"`
	ProposedPatch  string                  `json:"proposedPatch,omitempty"`
	Contradictions []string                `json:"contradictions"`
	RequiresReview bool                    `json:"requiresReview"`
	Metadata       ResultMetadata          `json:"metadata"`
}

// Session is one run's full record.
type Session struct {
	ID                   string              `json:"id"`
	Started              time.Time           `json:"started"`
	Status               string              `json:"status"`
	SourceBranch         string              `json:"sourceBranch"`
	ReconciliationBranch string              `json:"reconciliationBranch,omitempty"`
	Mode                 string              `json:"mode"`
	Changes              []gitio.ChangeEvent `json:"changes"`
	Results              []Result            `json:"results"`
	AutoApplied          int                 `json:"autoApplied"`
	Reviewed             int                 `json:"reviewed"`
	Rejected             int                 `json:"rejected"`
}

// NewID derives a sortable session id from a start time.
func NewID(started time.Time) string {
	return started.UTC().Format("20060102-150405.000")
}

// Store reads and writes session files under {dir}/reconciliation.
type Store struct {
	dir string
}

// NewStore creates a store rooted at the control directory.
func NewStore(controlDir string) *Store {
	return &Store{dir: filepath.Join(controlDir, "reconciliation")}
}

// Dir returns the session directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the session as one JSON file named by its id.
func (s *Store) Save(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	path := filepath.Join(s.dir, sess.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing session %s: %w", sess.ID, err)
	}

	return nil
}

// Load reads a session by id. A missing file is not an error: it returns
// (nil, nil). A present but malformed file is a hard error, since it
// signals corruption rather than expected absence.
func (s *Store) Load(id string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session %s is corrupted: %w", id, err)
	}

	return &sess, nil
}

// ListAll returns all readable sessions, newest first. Unreadable or
// partial files are skipped, not fatal.
func (s *Store) ListAll() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var sessions []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		sessions = append(sessions, &sess)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID > sessions[j].ID })
	return sessions, nil
}

// Cleanup removes all but the newest keep sessions. When archiveDir is
// non-empty, pruned sessions are bundled into a zstd-compressed JSON array
// there before deletion. Returns the number of sessions removed.
func (s *Store) Cleanup(keep int, archiveDir string) (int, error) {
	sessions, err := s.ListAll()
	if err != nil {
		return 0, err
	}
	if len(sessions) <= keep {
		return 0, nil
	}

	pruned := sessions[keep:]

	if archiveDir != "" {
		if err := writeArchive(archiveDir, pruned); err != nil {
			return 0, err
		}
	}

	for _, sess := range pruned {
		if err := os.Remove(filepath.Join(s.dir, sess.ID+".json")); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("removing session %s: %w", sess.ID, err)
		}
	}

	return len(pruned), nil
}

func writeArchive(dir string, sessions []*Session) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("marshaling archive: %w", err)
	}

	name := fmt.Sprintf("sessions-%s.json.zst", NewID(time.Now()))
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer f.Close()

	encoder, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("creating encoder: %w", err)
	}
	if _, err := encoder.Write(data); err != nil {
		encoder.Close()
		return fmt.Errorf("compressing archive: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("closing encoder: %w", err)
	}

	return nil
}
