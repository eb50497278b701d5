package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	errUtils "matrixci/internal/errors"
	"matrixci/internal/leg"
)

// Store keeps run state under <root>/runs/<run-id>/:
//
//	run.json
//	failure.json
//	legs/<leg-file>.json
//
// All writes are atomic and durable (file sync, rename, directory sync).
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("state directory is required")
	}
	return &Store{root: root}, nil
}

// Root is the state directory the store was opened on.
func (s *Store) Root() string { return s.root }

func (s *Store) runsDir() string { return filepath.Join(s.root, "runs") }

func (s *Store) runDir(runID string) string { return filepath.Join(s.runsDir(), runID) }

func (s *Store) runPath(runID string) string { return filepath.Join(s.runDir(runID), "run.json") }

func (s *Store) failurePath(runID string) string {
	return filepath.Join(s.runDir(runID), "failure.json")
}

func (s *Store) legsDir(runID string) string { return filepath.Join(s.runDir(runID), "legs") }

// LegFileName maps a leg ID such as test(os=ubuntu-latest,runtime=3.13) to a
// portable file name.
func LegFileName(legID string) string {
	return LegDirName(legID) + ".json"
}

// LegDirName is LegFileName without the extension.
func LegDirName(legID string) string {
	var b strings.Builder
	for _, r := range legID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == '=':
			b.WriteByte('-')
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// ListRunIDs returns the run IDs present on disk, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.runsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if err := validateRunID(run.RunID); err != nil {
		return err
	}
	if err := ensureDirDurable(s.runDir(run.RunID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	return writeJSON(s.runPath(run.RunID), run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if err := validateRunID(runID); err != nil {
		return Run{}, err
	}
	if err := readJSONStrict(s.runPath(runID), &run); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Run{}, fmt.Errorf("%w: %s", errUtils.ErrRunNotFound, runID)
		}
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

// SaveLeg writes the result of one leg.
func (s *Store) SaveLeg(runID string, res *leg.LegResult) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	if res == nil || strings.TrimSpace(res.LegID) == "" {
		return errors.New("leg result with an id is required")
	}
	if err := ensureDirDurable(s.legsDir(runID), 0o755); err != nil {
		return fmt.Errorf("ensure legs dir: %w", err)
	}
	return writeJSON(filepath.Join(s.legsDir(runID), LegFileName(res.LegID)), res)
}

// LoadLegs returns the stored leg results of a run, ordered by leg ID.
func (s *Store) LoadLegs(runID string) ([]*leg.LegResult, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.legsDir(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*leg.LegResult
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var r leg.LegResult
		if err := readJSONStrict(filepath.Join(s.legsDir(runID), e.Name()), &r); err != nil {
			return nil, fmt.Errorf("reading leg %s: %w", e.Name(), err)
		}
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LegID < out[j].LegID })
	return out, nil
}

func (s *Store) SaveFailure(runID string, failure Failure) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	if err := ensureDirDurable(s.runDir(runID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	return writeJSON(s.failurePath(runID), failure)
}

// LoadFailure returns the failure record of a run. ok is false when the run
// has none.
func (s *Store) LoadFailure(runID string) (f Failure, ok bool, err error) {
	if err := validateRunID(runID); err != nil {
		return Failure{}, false, err
	}
	if err := readJSONStrict(s.failurePath(runID), &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Failure{}, false, nil
		}
		return Failure{}, false, err
	}
	if err := f.Validate(); err != nil {
		return Failure{}, false, fmt.Errorf("invalid failure on disk: %w", err)
	}
	return f, true, nil
}

func validateRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("run id is required")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := writeFileAtomicDurable(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	if parent := filepath.Dir(dir); parent != dir {
		return fsyncDir(parent)
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	// Directories cannot be synced on every platform (notably Windows).
	if err := f.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) && !errors.Is(err, fs.ErrPermission) {
		return err
	}
	return nil
}
