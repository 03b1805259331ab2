package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}

	// The lock file records the holder's pid.
	data, err := os.ReadFile(filepath.Join(dir, "reconcile.lock"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("lock file should record a pid")
	}

	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}

	// The lock file survives release; only the flock is dropped. Removing
	// it would race a waiter on the old inode against a fresh creator.
	if _, err := os.Stat(filepath.Join(dir, "reconcile.lock")); err != nil {
		t.Errorf("lock file should remain after release: %v", err)
	}

	// Released locks can be re-taken.
	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	again.Release()
}

func TestAcquireContended(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	_, err = Acquire(dir)
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestReleaseTwice(t *testing.T) {
	lock, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second release should be a no-op: %v", err)
	}
}

func TestAcquireCreatesControlDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not", "yet", "created")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	lock.Release()
}
