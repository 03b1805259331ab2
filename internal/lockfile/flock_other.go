//go:build !unix

package lockfile

import "os"

// Without flock(2), fall back to exclusive creation of a sentinel next to
// the lock file. Coarser, but still prevents concurrent runs.
func flock(f *os.File) error {
	sentinel := f.Name() + ".held"
	h, err := os.OpenFile(sentinel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrLocked
		}
		return err
	}
	return h.Close()
}

func funlock(f *os.File) error {
	return os.Remove(f.Name() + ".held")
}
