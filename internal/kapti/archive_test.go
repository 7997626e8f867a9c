package kapti

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func writeTar(t *testing.T, w io.Writer, members []tarMember) {
	t.Helper()
	tw := tar.NewWriter(w)
	for _, m := range members {
		hdr := &tar.Header{Name: m.Name, Mode: m.Mode, Typeflag: m.Type, Linkname: m.Linkname, ModTime: time.Unix(1700000000, 0)}
		if m.Type == tar.TypeReg {
			hdr.Size = int64(len(m.Body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if m.Type == tar.TypeReg {
			_, err := io.WriteString(tw, m.Body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
}

var sampleMembers = []tarMember{
	dirMember("./usr/"),
	dirMember("./usr/bin/"),
	fileMember("./usr/bin/tool", "tool v1\n", 0o755),
	{Name: "./usr/bin/tool-hard", Type: tar.TypeLink, Linkname: "./usr/bin/tool"},
	fileMember("./.kapti/post-install", "#!/bin/sh\n", 0o755),
}

func checkSampleExtraction(t *testing.T, archive string) {
	t.Helper()
	root := t.TempDir()
	control := t.TempDir()
	var mu sync.Mutex
	var ticks []float64
	res, err := extractPackage(archive, root, control, func(p float64) {
		mu.Lock()
		ticks = append(ticks, p)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"/usr/", "/usr/bin/"}, res.Dirs)
	assert.Equal(t, []string{"/usr/bin/tool", "/usr/bin/tool-hard"}, res.Files)
	assert.Empty(t, res.Links)
	mu.Lock()
	assert.Contains(t, ticks, 100.0)
	mu.Unlock()

	data, err := os.ReadFile(filepath.Join(root, "usr/bin/tool-hard"))
	require.NoError(t, err)
	assert.Equal(t, "tool v1\n", string(data))
	info, err := os.Stat(filepath.Join(root, "usr/bin/tool"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(time.Unix(1700000000, 0)))

	assert.FileExists(t, filepath.Join(control, "post-install"))
	assert.NoFileExists(t, filepath.Join(root, ".kapti/post-install"))
	assert.NoFileExists(t, filepath.Join(root, "usr/bin/tool.kapti-new"))
}

func TestExtractPackage_Gzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample-1.0-1.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	writeTar(t, gz, sampleMembers)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	checkSampleExtraction(t, path)
}

func TestExtractPackage_Xz(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample-1.0-1.tar.xz")
	f, err := os.Create(path)
	require.NoError(t, err)
	xw, err := xz.NewWriter(f)
	require.NoError(t, err)
	writeTar(t, xw, sampleMembers)
	require.NoError(t, xw.Close())
	require.NoError(t, f.Close())

	checkSampleExtraction(t, path)
}

func TestExtractPackage_PlainTarReplacesFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.tar")
	f, err := os.Create(path)
	require.NoError(t, err)
	writeTar(t, f, sampleMembers)
	require.NoError(t, f.Close())

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "usr/bin/tool"), []byte("old"), 0o644))

	_, err = extractPackage(path, root, t.TempDir(), nil)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "usr/bin/tool"))
	require.NoError(t, err)
	assert.Equal(t, "tool v1\n", string(data))
}

func TestExtractPackage_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.zip")
	require.NoError(t, os.WriteFile(path, []byte("PK"), 0o644))
	_, err := extractPackage(path, t.TempDir(), t.TempDir(), nil)
	assert.Error(t, err)
}
