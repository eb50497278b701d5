package orchestrator

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samber/lo"

	"matrixci/internal/state"
)

// workTrees hands out one private directory per leg under the run's work
// root. Each is seeded from the source tree unless the run is simulated, in
// which case the directory starts empty.
type workTrees struct {
	dir     string
	source  string
	exclude []string
	seed    bool
}

func newWorkTrees(opts Options) (*workTrees, error) {
	w := &workTrees{source: opts.WorkDir, seed: !opts.Simulate}
	var err error
	switch {
	case opts.LegRoot == "":
		w.dir, err = os.MkdirTemp("", "matrixci-legs-")
	case opts.RunID == "":
		if err = os.MkdirAll(opts.LegRoot, 0o755); err == nil {
			w.dir, err = os.MkdirTemp(opts.LegRoot, "run-")
		}
	default:
		w.dir = filepath.Join(opts.LegRoot, opts.RunID)
		err = os.MkdirAll(w.dir, 0o755)
	}
	if err != nil {
		return nil, fmt.Errorf("creating leg work root: %w", err)
	}
	for _, p := range append([]string{w.dir}, opts.Exclude...) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		w.exclude = append(w.exclude, filepath.Clean(abs))
	}
	return w, nil
}

// prepare creates the work tree of legID. The copy is built in a temp
// directory next to its final path and renamed into place, so a crash never
// leaves a half-seeded tree at the leg's path.
func (w *workTrees) prepare(legID string) (string, error) {
	dir := filepath.Join(w.dir, state.LegDirName(legID))
	tmp, err := os.MkdirTemp(w.dir, "tmp-"+filepath.Base(dir)+"-")
	if err != nil {
		return "", fmt.Errorf("creating leg work tree: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	if w.seed && w.source != "" {
		if err := w.copyTree(tmp); err != nil {
			return "", fmt.Errorf("seeding work tree for %s: %w", legID, err)
		}
	}
	_ = os.RemoveAll(dir)
	if err := os.Rename(tmp, dir); err != nil {
		return "", fmt.Errorf("committing work tree for %s: %w", legID, err)
	}
	committed = true
	return dir, nil
}

// release removes every work tree of the run.
func (w *workTrees) release() error {
	return os.RemoveAll(w.dir)
}

func (w *workTrees) copyTree(dest string) error {
	src, err := filepath.Abs(w.source)
	if err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != src && lo.Contains(w.exclude, path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case d.IsDir():
			if rel == "." {
				return nil
			}
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and pipes stay behind.
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
