package filter

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"
)

// Excluder matches operator supplied exclude rules against absolute paths
type Excluder struct {
	roots    []string
	patterns []string
	matchers map[string]*ignore.GitIgnore
}

// ExcludeConfig holds configuration for the excluder
type ExcludeConfig struct {
	// Roots are the watched directories (for .gitignore location)
	Roots []string

	// Patterns are explicit exclude patterns (gitignore syntax)
	Patterns []string

	// UseGitignore enables .gitignore loading from each root
	UseGitignore bool
}

// NewExcluder creates a new exclude rule matcher
func NewExcluder(cfg ExcludeConfig) *Excluder {
	roots := make([]string, len(cfg.Roots))
	copy(roots, cfg.Roots)
	// Longest root first so nested roots win
	sort.Slice(roots, func(i, j int) bool { return len(roots[i]) > len(roots[j]) })

	e := &Excluder{
		roots:    roots,
		patterns: cfg.Patterns,
		matchers: make(map[string]*ignore.GitIgnore),
	}

	if cfg.UseGitignore {
		for _, root := range roots {
			gitignorePath := filepath.Join(root, ".gitignore")
			if _, err := os.Stat(gitignorePath); err != nil {
				continue
			}
			matcher, err := ignore.CompileIgnoreFile(gitignorePath)
			if err != nil {
				// malformed .gitignore, continue without it
				continue
			}
			e.matchers[root] = matcher
		}
	}

	return e
}

// ShouldExclude returns true if the absolute path matches an exclude rule
func (e *Excluder) ShouldExclude(absPath string) bool {
	root, relPath, ok := e.relativize(absPath)
	if !ok {
		// Outside every root: only the base name can be matched
		relPath = filepath.Base(absPath)
	}

	if e.matchesPatterns(relPath) {
		return true
	}

	if matcher := e.matchers[root]; ok && matcher != nil && matcher.MatchesPath(relPath) {
		return true
	}

	return false
}

func (e *Excluder) relativize(absPath string) (string, string, bool) {
	for _, root := range e.roots {
		if absPath == root {
			return root, filepath.Base(root), true
		}
		if strings.HasPrefix(absPath, root+string(filepath.Separator)) {
			rel, err := filepath.Rel(root, absPath)
			if err != nil {
				continue
			}
			return root, rel, true
		}
	}
	return "", "", false
}

func (e *Excluder) matchesPatterns(relPath string) bool {
	for _, pattern := range e.patterns {
		if matchPattern(pattern, relPath) {
			return true
		}
	}
	return false
}

// matchPattern matches a single gitignore-style pattern
func matchPattern(pattern, path string) bool {
	// Directory-only patterns (ending with /)
	if strings.HasSuffix(pattern, "/") {
		pattern = strings.TrimSuffix(pattern, "/")
		if strings.HasPrefix(path, pattern+"/") ||
			strings.Contains(path, "/"+pattern+"/") ||
			path == pattern {
			return true
		}
	}

	// "**" spans directories, which filepath.Match cannot express
	if strings.Contains(pattern, "**") {
		matched, err := doublestar.Match(pattern, filepath.ToSlash(path))
		return err == nil && matched
	}

	if matched, err := filepath.Match(pattern, path); err == nil && matched {
		return true
	}

	// "node_modules" should match "foo/node_modules/bar"
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if matched, err := filepath.Match(pattern, part); err == nil && matched {
			return true
		}
	}

	return false
}
