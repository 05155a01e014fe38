// Package filter decides which local paths are eligible for mirroring.
package filter

import (
	"path/filepath"
	"strings"
)

// SwapSentinel is the file name vim creates to check that a directory is writable.
const SwapSentinel = "4913"

// IsMirrorable reports whether path may be mirrored.
//
// Relative paths, hidden entries, the editor swap sentinel and backup
// files (anything ending in "~") are rejected.
func IsMirrorable(path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	if strings.HasSuffix(path, "~") {
		return false
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return name != SwapSentinel
}

// Predicate reports whether a path should be mirrored.
type Predicate func(path string) bool

// Chain returns a Predicate that accepts a path only when IsMirrorable
// accepts it and the excluder (if any) does not exclude it.
func Chain(ex *Excluder) Predicate {
	if ex == nil {
		return IsMirrorable
	}
	return func(path string) bool {
		return IsMirrorable(path) && !ex.ShouldExclude(path)
	}
}

// WithRoots returns a Predicate that always accepts the given roots and
// defers to next for every other path. A root the operator named
// explicitly is mirrored even when its own name would be filtered.
func WithRoots(roots []string, next Predicate) Predicate {
	exempt := make(map[string]bool, len(roots))
	for _, r := range roots {
		exempt[filepath.Clean(r)] = true
	}
	return func(path string) bool {
		return exempt[filepath.Clean(path)] || next(path)
	}
}
