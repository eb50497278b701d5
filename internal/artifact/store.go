// Package artifact stores named build outputs produced by legs.
//
// The store is append-only: within one run an artifact name can be written
// once. Parallel legs share it, so every write holds a cross-process lock on
// the run directory.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	errUtils "matrixci/internal/errors"
)

const manifestFile = "manifest.json"

// Manifest describes one stored artifact.
//
// Layout:
//
//	{Root}/
//	  {run-id}/
//	    .lock
//	    {name}/
//	      manifest.json
//	      files/{relative path}
type Manifest struct {
	Name      string    `json:"name"`
	RunID     string    `json:"runId"`
	LegID     string    `json:"legId"`
	CreatedAt time.Time `json:"createdAt"`
	Files     []File    `json:"files"`
}

// File is one stored file, addressed by its slash-separated path relative to
// the directory it was collected from.
type File struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Size returns the total size of all files.
func (m Manifest) Size() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// Store is a filesystem artifact store rooted at Root.
type Store struct {
	Root string

	now func() time.Time
}

func NewStore(root string) *Store {
	return &Store{Root: root, now: time.Now}
}

// Put copies files (relative to baseDir) into the store as artifact name of
// run runID. It fails with ErrArtifactExists if the run already has an
// artifact of that name.
//
// Files are written into a temporary directory that is renamed into place,
// so a crash never leaves a partial artifact behind a manifest.
func (s *Store) Put(runID, name, legID, baseDir string, files []string) (*Manifest, error) {
	if err := validateName("run id", runID); err != nil {
		return nil, err
	}
	if err := validateName("artifact name", name); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", errUtils.ErrNoFilesFound, name)
	}

	runDir := filepath.Join(s.Root, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	lock := flock.New(filepath.Join(runDir, ".lock"))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("locking artifact store: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	final := filepath.Join(runDir, name)
	if _, err := os.Stat(filepath.Join(final, manifestFile)); err == nil {
		return nil, fmt.Errorf("%w: %q in run %s", errUtils.ErrArtifactExists, name, runID)
	}

	tmpDir, err := os.MkdirTemp(runDir, "tmp-"+name+"-")
	if err != nil {
		return nil, fmt.Errorf("creating temp artifact dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	sorted = deduplicateSorted(sorted)

	m := Manifest{Name: name, RunID: runID, LegID: legID, CreatedAt: s.now().UTC()}
	for _, rel := range sorted {
		f, err := copyInto(filepath.Join(tmpDir, "files"), baseDir, rel)
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, f)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(tmpDir, manifestFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	// A directory without a manifest is a leftover from a crash; replace it.
	_ = os.RemoveAll(final)
	if err := os.Rename(tmpDir, final); err != nil {
		return nil, fmt.Errorf("committing artifact: %w", err)
	}
	committed = true
	return &m, nil
}

// Get returns the manifest of artifact name in run runID.
func (s *Store) Get(runID, name string) (*Manifest, error) {
	if err := validateName("run id", runID); err != nil {
		return nil, err
	}
	if err := validateName("artifact name", name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Root, runID, name, manifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q in run %s", errUtils.ErrArtifactNotFound, name, runID)
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// List returns the manifests of a run sorted by name. A run without
// artifacts yields an empty list.
func (s *Store) List(runID string) ([]Manifest, error) {
	if err := validateName("run id", runID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.Root, runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "tmp-") {
			continue
		}
		m, err := s.Get(runID, e.Name())
		if errors.Is(err, errUtils.ErrArtifactNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Restore copies the files of an artifact into dest, verifying checksums.
func (s *Store) Restore(runID, name, dest string) (*Manifest, error) {
	m, err := s.Get(runID, name)
	if err != nil {
		return nil, err
	}
	src := filepath.Join(s.Root, runID, name, "files")
	for _, f := range m.Files {
		got, err := copyInto(dest, src, f.Path)
		if err != nil {
			return nil, err
		}
		if got.SHA256 != f.SHA256 {
			return nil, fmt.Errorf("artifact %q: checksum mismatch for %s", name, f.Path)
		}
	}
	return m, nil
}

// copyInto copies baseDir/rel to destDir/rel and returns its record.
func copyInto(destDir, baseDir, rel string) (File, error) {
	src := filepath.Join(baseDir, filepath.FromSlash(rel))
	dst := filepath.Join(destDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return File{}, fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return File{}, fmt.Errorf("reading artifact file %q: %w", rel, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return File{}, fmt.Errorf("writing artifact file %q: %w", rel, err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return File{}, fmt.Errorf("copying artifact file %q: %w", rel, err)
	}
	return File{Path: filepath.ToSlash(rel), Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func validateName(kind, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, "tmp-") {
		return fmt.Errorf("invalid %s %q", kind, name)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func deduplicateSorted(sorted []string) []string {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, s := range sorted[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
