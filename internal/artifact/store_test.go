package artifact

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errUtils "matrixci/internal/errors"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestPutGetRestore(t *testing.T) {
	work := t.TempDir()
	writeFiles(t, work, map[string]string{"dist/FINESSE.exe": "MZ binary", "dist/readme.txt": "hi"})

	s := NewStore(t.TempDir())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	m, err := s.Put("run-1", "FINESSE", "test(os=windows-latest)", work, []string{"dist/readme.txt", "dist/FINESSE.exe", "dist/readme.txt"})
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	assert.Equal(t, "dist/FINESSE.exe", m.Files[0].Path)
	assert.Equal(t, int64(9), m.Files[0].Size)
	assert.Len(t, m.Files[0].SHA256, 64)
	assert.Equal(t, int64(11), m.Size())

	got, err := s.Get("run-1", "FINESSE")
	require.NoError(t, err)
	assert.Equal(t, *m, *got)
	assert.Equal(t, fixed, got.CreatedAt)

	dest := t.TempDir()
	_, err = s.Restore("run-1", "FINESSE", dest)
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dest, "dist", "FINESSE.exe"))
	require.NoError(t, err)
	assert.Equal(t, "MZ binary", string(b))
}

func TestPut_AtMostOncePerRun(t *testing.T) {
	work := t.TempDir()
	writeFiles(t, work, map[string]string{"a.txt": "a"})
	s := NewStore(t.TempDir())

	_, err := s.Put("run-1", "out", "leg-a", work, []string{"a.txt"})
	require.NoError(t, err)

	_, err = s.Put("run-1", "out", "leg-b", work, []string{"a.txt"})
	assert.ErrorIs(t, err, errUtils.ErrArtifactExists)

	_, err = s.Put("run-2", "out", "leg-b", work, []string{"a.txt"})
	assert.NoError(t, err)
}

func TestPut_ConcurrentLegsOnlyOneWins(t *testing.T) {
	work := t.TempDir()
	writeFiles(t, work, map[string]string{"a.txt": "a"})
	s := NewStore(t.TempDir())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Put("run-1", "shared", "leg", work, []string{"a.txt"}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPut_Rejects(t *testing.T) {
	work := t.TempDir()
	s := NewStore(t.TempDir())

	_, err := s.Put("run-1", "empty", "leg", work, nil)
	assert.ErrorIs(t, err, errUtils.ErrNoFilesFound)

	_, err = s.Put("run-1", "../escape", "leg", work, []string{"a"})
	assert.Error(t, err)

	_, err = s.Put("run-1", "missing", "leg", work, []string{"nope.txt"})
	assert.Error(t, err)

	list, err := s.List("run-1")
	require.NoError(t, err)
	assert.Empty(t, list, "failed puts must not leave artifacts behind")
}

func TestList(t *testing.T) {
	work := t.TempDir()
	writeFiles(t, work, map[string]string{"a.txt": "a"})
	s := NewStore(t.TempDir())

	for _, name := range []string{"zeta", "alpha"} {
		_, err := s.Put("run-1", name, "leg", work, []string{"a.txt"})
		require.NoError(t, err)
	}
	list, err := s.List("run-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)

	none, err := s.List("never-ran")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.Get("run-1", "missing")
	assert.ErrorIs(t, err, errUtils.ErrArtifactNotFound)
}
