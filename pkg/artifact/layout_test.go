package artifact

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := NewLayout(t.TempDir())
	require.NoError(t, err)
	return l
}

func TestNewLayoutCreatesTopLevelDirs(t *testing.T) {
	l := newTestLayout(t)

	for _, dir := range []string{"models", "data", "logs", "license", "backups"} {
		info, err := os.Stat(filepath.Join(l.Base(), dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
}

func TestNewLayoutEmptyBase(t *testing.T) {
	_, err := NewLayout("")
	assert.Error(t, err)
}

func TestPathHelpers(t *testing.T) {
	l := newTestLayout(t)
	base := l.Base()

	assert.Equal(t, filepath.Join(base, "models", "m1", "model"), l.ArtifactDir("m1"))
	assert.Equal(t, filepath.Join(base, "data", "m1", "data_storage.db"), l.LocalStorePath("m1"))
	assert.Equal(t, filepath.Join(base, "data", "m1", "unsupervised"), l.UnsupervisedDir("m1"))
	assert.Equal(t, filepath.Join(base, "logs", "m1", "train.log"), l.TrainLogPath("m1"))
	assert.Equal(t, filepath.Join(base, "logs", "m1", "deployment-a1.log"), l.DeploymentLogPath("m1", "a1"))
	assert.Equal(t, filepath.Join(base, "license", "ndb_enterprise_license.json"), l.LicensePath())
}

func TestCopyArtifact(t *testing.T) {
	l := newTestLayout(t)

	require.NoError(t, l.EnsureModelDirs("src"))
	require.NoError(t, os.MkdirAll(filepath.Join(l.ArtifactDir("src"), "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(l.ArtifactDir("src"), "model.ndb"), []byte("weights"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(l.ArtifactDir("src"), "nested", "vocab.txt"), []byte("tokens"), 0o600))

	require.NoError(t, l.CopyArtifact("src", "dst"))

	data, err := os.ReadFile(filepath.Join(l.ArtifactDir("dst"), "model.ndb"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	data, err = os.ReadFile(filepath.Join(l.ArtifactDir("dst"), "nested", "vocab.txt"))
	require.NoError(t, err)
	assert.Equal(t, "tokens", string(data))

	// Copies are independent trees.
	require.NoError(t, os.WriteFile(filepath.Join(l.ArtifactDir("dst"), "model.ndb"), []byte("retrained"), 0o644))
	data, err = os.ReadFile(filepath.Join(l.ArtifactDir("src"), "model.ndb"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestCopyArtifactMissingSource(t *testing.T) {
	l := newTestLayout(t)
	assert.Error(t, l.CopyArtifact("absent", "dst"))
}

func TestRemoveModelIdempotent(t *testing.T) {
	l := newTestLayout(t)

	require.NoError(t, l.EnsureModelDirs("m1"))
	require.NoError(t, os.WriteFile(filepath.Join(l.ArtifactDir("m1"), "model.ndb"), []byte("w"), 0o644))

	require.NoError(t, l.RemoveModel("m1"))
	_, err := os.Stat(l.ModelDir("m1"))
	assert.True(t, os.IsNotExist(err))

	// Second removal is a no-op.
	require.NoError(t, l.RemoveModel("m1"))
}

func TestTreeSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 28), 0o644))

	size, err := TreeSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(128), size)

	size, err = TreeSize(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestDiskGuard(t *testing.T) {
	tests := []struct {
		name     string
		free     uint64
		floor    uint64
		incoming uint64
		wantErr  bool
	}{
		{"plenty of space", 10 << 30, 1 << 30, 0, false},
		{"disabled guard", 10, 0, 1 << 40, false},
		{"under floor", 1 << 20, 1 << 30, 0, true},
		{"incoming pushes under floor", 2 << 30, 1 << 30, 2 << 30, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewDiskGuard("/", tt.floor)
			g.statfs = func(string) (uint64, error) { return tt.free, nil }

			err := g.Check(tt.incoming)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrLowDisk)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDiskFreeRealFilesystem(t *testing.T) {
	free, err := DiskFree(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestWriteBackup(t *testing.T) {
	l := newTestLayout(t)

	require.NoError(t, l.EnsureModelDirs("m1"))
	require.NoError(t, os.WriteFile(filepath.Join(l.ArtifactDir("m1"), "model.ndb"), []byte("weights"), 0o644))

	path, err := l.WriteBackup("snap-1", map[string][]byte{
		"models.json": []byte(`[{"id":"m1"}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.BackupDir(), "snap-1.tar.gz"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	names := map[string]string{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		names[hdr.Name] = string(data)
	}

	assert.Contains(t, names, "manifest.json")
	assert.Contains(t, names["manifest.json"], "m1")
	assert.Equal(t, `[{"id":"m1"}]`, names["models.json"])

	// A second backup under the same name must not clobber the first.
	_, err = l.WriteBackup("snap-1", nil)
	assert.Error(t, err)
}
