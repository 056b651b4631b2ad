package need

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ResolveFiles expands glob patterns to concrete need files.
// Supports both single-level wildcards (*) and recursive wildcards (**).
//
// Examples:
//   - "docs/**/*.md" → every markdown file below docs
//   - "build/needs.json" → ["<abs>/build/needs.json"]
//
// Returns only regular files, deduplicated and sorted.
func ResolveFiles(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var resolved []string

	for _, pattern := range patterns {
		paths, err := resolvePattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("resolve pattern %q: %w", pattern, err)
		}
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				resolved = append(resolved, p)
			}
		}
	}

	sort.Strings(resolved)
	return resolved, nil
}

func resolvePattern(pattern string) ([]string, error) {
	if !containsGlob(pattern) {
		absPath, err := filepath.Abs(pattern)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("path is a directory: %s", absPath)
		}
		return []string{absPath}, nil
	}

	absPattern, err := makeAbsolutePattern(pattern)
	if err != nil {
		return nil, err
	}

	matches, err := doublestar.FilepathGlob(absPattern)
	if err != nil {
		return nil, fmt.Errorf("glob error: %w", err)
	}

	var files []string
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, match)
	}
	return files, nil
}

// MatchAny reports whether path matches any of the patterns. Used by the
// watcher to decide whether a changed file is a need source.
func MatchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		absPattern, err := makeAbsolutePattern(pattern)
		if err != nil {
			continue
		}
		if ok, _ := doublestar.PathMatch(absPattern, path); ok {
			return true
		}
	}
	return false
}

func containsGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// makeAbsolutePattern converts a relative pattern to absolute, keeping the
// glob part untouched.
func makeAbsolutePattern(pattern string) (string, error) {
	globIdx := strings.IndexAny(pattern, "*?[{")
	if globIdx == -1 {
		return filepath.Abs(pattern)
	}

	dirPart := pattern[:globIdx]
	lastSep := strings.LastIndex(dirPart, string(filepath.Separator))
	if lastSep == -1 {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, pattern), nil
	}

	absDir, err := filepath.Abs(pattern[:lastSep])
	if err != nil {
		return "", err
	}
	return absDir + pattern[lastSep:], nil
}
