// Package graph provides the persisted dependency link store.
//
// Links are directed edges dependent -> upstream: the dependent file may
// need updates when the upstream file changes. The store lives in
// .knit/links.yaml and is loaded fully into memory per invocation.
package graph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrLinkNotFound is returned when removing a link that does not exist.
// Callers report it as a no-op, not a failure.
var ErrLinkNotFound = errors.New("link not found")

// DefaultAutoApplyThreshold is the minimum analyzer confidence required
// before a change may bypass review, absent a per-link override.
const DefaultAutoApplyThreshold = 0.8

// DefaultRequireReviewCategories lists the change categories that always
// force review, absent a per-link override.
var DefaultRequireReviewCategories = []string{"breaking", "interface"}

// Rules holds the per-link reconciliation policy.
type Rules struct {
	AutoApplyThreshold      *float64 `yaml:"autoApplyThreshold,omitempty" json:"autoApplyThreshold,omitempty"`
	RequireReviewCategories []string `yaml:"requireReviewCategories,omitempty" json:"requireReviewCategories,omitempty"`
}

// Threshold returns the effective auto-apply threshold.
func (r Rules) Threshold() float64 {
	if r.AutoApplyThreshold != nil {
		return *r.AutoApplyThreshold
	}
	return DefaultAutoApplyThreshold
}

// ReviewCategories returns the effective categories that force review.
func (r Rules) ReviewCategories() []string {
	if r.RequireReviewCategories != nil {
		return r.RequireReviewCategories
	}
	return DefaultRequireReviewCategories
}

// Link is a declared dependency edge.
type Link struct {
	Dependent string `yaml:"dependent" json:"dependent"`
	Upstream  string `yaml:"upstream" json:"upstream"`
	Rules     Rules  `yaml:"rules,omitempty" json:"rules,omitempty"`
}

type linksFile struct {
	Links []Link `yaml:"links"`
}

// Store is the in-memory link graph backed by a YAML config file.
type Store struct {
	path  string
	links []Link
}

// Open loads the link store from dir (the control directory). A missing
// file yields an empty store.
func Open(dir string) (*Store, error) {
	s := &Store{path: filepath.Join(dir, "links.yaml")}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var f linksFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	s.links = f.Links

	return s, nil
}

// Save persists the store back to its YAML file.
func (s *Store) Save() error {
	sort.Slice(s.links, func(i, j int) bool {
		if s.links[i].Dependent != s.links[j].Dependent {
			return s.links[i].Dependent < s.links[j].Dependent
		}
		return s.links[i].Upstream < s.links[j].Upstream
	})

	data, err := yaml.Marshal(linksFile{Links: s.links})
	if err != nil {
		return fmt.Errorf("marshaling links: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating control directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}

	return nil
}

// AddLink records dependent -> upstream. Re-linking an existing pair
// overwrites its rules; it never duplicates the edge.
func (s *Store) AddLink(dependent, upstream string, rules Rules) {
	for i, l := range s.links {
		if l.Dependent == dependent && l.Upstream == upstream {
			s.links[i].Rules = rules
			return
		}
	}
	s.links = append(s.links, Link{Dependent: dependent, Upstream: upstream, Rules: rules})
}

// RemoveLink deletes the dependent -> upstream edge. Returns
// ErrLinkNotFound if the pair was never linked.
func (s *Store) RemoveLink(dependent, upstream string) error {
	for i, l := range s.links {
		if l.Dependent == dependent && l.Upstream == upstream {
			s.links = append(s.links[:i], s.links[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrLinkNotFound, dependent, upstream)
}

// Dependents returns every dependent watching the given upstream file,
// sorted for deterministic processing order.
func (s *Store) Dependents(upstream string) []string {
	var out []string
	for _, l := range s.links {
		if l.Upstream == upstream {
			out = append(out, l.Dependent)
		}
	}
	sort.Strings(out)
	return out
}

// Rules returns the policy for a link, or the defaults when the pair is
// not linked.
func (s *Store) Rules(dependent, upstream string) Rules {
	for _, l := range s.links {
		if l.Dependent == dependent && l.Upstream == upstream {
			return l.Rules
		}
	}
	return Rules{}
}

// Links returns a copy of all links, sorted.
func (s *Store) Links() []Link {
	out := make([]Link, len(s.links))
	copy(out, s.links)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dependent != out[j].Dependent {
			return out[i].Dependent < out[j].Dependent
		}
		return out[i].Upstream < out[j].Upstream
	})
	return out
}

// Len returns the number of declared links.
func (s *Store) Len() int {
	return len(s.links)
}
