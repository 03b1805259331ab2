// Package ignore provides gitignore-style pattern matching for filtering
// change sets before dependent expansion.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pattern is a single ignore pattern with its properties.
type Pattern struct {
	pattern  string
	negated  bool
	anchored bool
}

// Matcher holds compiled patterns from a .knitignore file.
type Matcher struct {
	patterns []Pattern
}

// NewMatcher returns an empty matcher with the built-in defaults applied.
func NewMatcher() *Matcher {
	m := &Matcher{}
	for _, p := range defaults {
		m.AddPattern(p)
	}
	return m
}

// Load reads patterns from the .knitignore file at root, if present.
func Load(root string) (*Matcher, error) {
	m := NewMatcher()

	file, err := os.Open(filepath.Join(root, ".knitignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		m.AddPattern(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return m, nil
}

// AddPattern adds a single pattern line to the matcher.
func (m *Matcher) AddPattern(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	p := Pattern{}
	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}
	line = strings.TrimSuffix(line, "/")
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = line[1:]
	}

	// Patterns without slashes match at any level unless anchored.
	if !p.anchored && !strings.Contains(line, "/") {
		line = "**/" + line
	}

	p.pattern = line
	m.patterns = append(m.patterns, p)
}

// Match reports whether a repository-relative path should be excluded.
func (m *Matcher) Match(path string) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")

	ignored := false
	for _, p := range m.patterns {
		if matchPattern(p.pattern, path) {
			ignored = !p.negated
		}
	}
	return ignored
}

func matchPattern(pattern, path string) bool {
	if matched, _ := doublestar.Match(pattern, path); matched {
		return true
	}
	// "node_modules" should also match "node_modules/foo/bar.js".
	if !strings.HasSuffix(pattern, "/**") {
		if matched, _ := doublestar.Match(pattern+"/**", path); matched {
			return true
		}
	}
	return false
}

var defaults = []string{
	".git/",
	".knit/",
	".knitignore",
	"node_modules/",
	".DS_Store",
	"*.tmp",
	"*.swp",
}
