package reliability

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArchiveTime(t *testing.T) {
	ts, ok := parseArchiveTime("darkstar-backup-2026-08-30-020000.tar.gz")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 30, 2, 0, 0, 0, time.UTC), ts)

	_, ok = parseArchiveTime("darkstar-backup-garbage.tar.gz")
	assert.False(t, ok)
	_, ok = parseArchiveTime("other-2026-08-30-020000.tar.gz")
	assert.False(t, ok)
	_, ok = parseArchiveTime("darkstar-backup-2026-08-30-020000.zip")
	assert.False(t, ok)
}

func TestFileChecksumIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	first, err := fileChecksum(path)
	require.NoError(t, err)
	second, err := fileChecksum(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, "sha256:")
}

func TestCreateArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "history.db"), []byte("history-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tuning.db"), []byte("tuning-bytes"), 0o644))

	archivePath := filepath.Join(dir, "backup.tar.gz")
	require.NoError(t, createArchive(archivePath, dir, []string{"history.db", "tuning.db"}))

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := map[string]string{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[header.Name] = string(data)
	}

	assert.Equal(t, "history-bytes", contents["history.db"])
	assert.Equal(t, "tuning-bytes", contents["tuning.db"])
}
