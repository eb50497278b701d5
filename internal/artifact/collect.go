package artifact

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Collect resolves path patterns against baseDir and returns the matching
// regular files as sorted, slash-separated relative paths.
//
// Patterns are doublestar globs. A pattern starting with ! removes matches
// of earlier patterns. A matched directory contributes every file under it.
// Patterns must stay inside baseDir.
func Collect(baseDir string, patterns []string) ([]string, error) {
	fsys := os.DirFS(baseDir)
	selected := map[string]bool{}

	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		exclude := strings.HasPrefix(p, "!")
		p = strings.TrimPrefix(p, "!")

		rel, err := relativePattern(baseDir, p)
		if err != nil {
			return nil, err
		}

		matches, err := doublestar.Glob(fsys, rel)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", raw, err)
		}
		for _, m := range matches {
			files, err := expand(fsys, m)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if exclude {
					delete(selected, f)
				} else {
					selected[f] = true
				}
			}
		}
	}

	out := make([]string, 0, len(selected))
	for f := range selected {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

// SplitPatterns splits a newline-separated path input into patterns.
func SplitPatterns(input string) []string {
	var out []string
	for _, line := range strings.Split(input, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func relativePattern(baseDir, p string) (string, error) {
	p = filepath.ToSlash(p)
	if filepath.IsAbs(filepath.FromSlash(p)) {
		rel, err := filepath.Rel(baseDir, filepath.FromSlash(p))
		if err != nil {
			return "", fmt.Errorf("pattern %q is outside %s", p, baseDir)
		}
		p = filepath.ToSlash(rel)
	}
	p = strings.TrimPrefix(p, "./")
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("pattern %q is outside %s", p, baseDir)
	}
	return p, nil
}

func expand(fsys fs.FS, name string) ([]string, error) {
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return nil, err
	}
	if info.Mode().IsRegular() {
		return []string{name}, nil
	}
	if !info.IsDir() {
		return nil, nil
	}
	var out []string
	err = fs.WalkDir(fsys, name, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}
