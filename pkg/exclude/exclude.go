// Package exclude matches slash-separated relative paths against doublestar
// patterns. A pattern ending in "/" excludes a whole directory subtree.
// Include patterns take precedence: a file matching one is never excluded.
package exclude

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type Set struct {
	files    []string
	dirs     []string
	includes []string
}

// Compile validates patterns up front so a bad pattern fails the run
// instead of silently matching nothing.
func Compile(patterns []string) (*Set, error) {
	return CompileFilter(patterns, nil)
}

// CompileFilter compiles exclude patterns together with include patterns
// that re-admit files the excludes matched.
func CompileFilter(excludes, includes []string) (*Set, error) {
	s := &Set{}
	for _, p := range includes {
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
		s.includes = append(s.includes, p)
	}
	for _, p := range excludes {
		if p == "" {
			continue
		}
		if dir, ok := strings.CutSuffix(p, "/"); ok {
			if !doublestar.ValidatePattern(dir) {
				return nil, fmt.Errorf("invalid exclude pattern %q", p)
			}
			s.dirs = append(s.dirs, dir)
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
		s.files = append(s.files, p)
	}
	return s, nil
}

func (s *Set) Empty() bool {
	return s == nil || len(s.files)+len(s.dirs) == 0
}

// Match reports whether a file at relPath is excluded, either directly or
// because one of its ancestor directories is, and no include pattern
// matches it.
func (s *Set) Match(relPath string) bool {
	if s.Empty() || !s.excluded(relPath) {
		return false
	}
	for _, p := range s.includes {
		if doublestar.MatchUnvalidated(p, relPath) {
			return false
		}
	}
	return true
}

func (s *Set) excluded(relPath string) bool {
	for _, p := range s.files {
		if doublestar.MatchUnvalidated(p, relPath) {
			return true
		}
	}
	parts := strings.Split(relPath, "/")
	for i := 1; i < len(parts); i++ {
		if s.matchDir(strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

// MatchDir reports whether the directory at relPath can be pruned as an
// excluded subtree. With include patterns nothing is pruned, since a file
// below may be re-admitted.
func (s *Set) MatchDir(relPath string) bool {
	if s == nil || len(s.includes) > 0 {
		return false
	}
	return s.matchDir(relPath)
}

func (s *Set) matchDir(relPath string) bool {
	for _, p := range s.dirs {
		if doublestar.MatchUnvalidated(p, relPath) {
			return true
		}
	}
	return false
}
