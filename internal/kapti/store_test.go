package kapti

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarMember struct {
	Name     string
	Body     string
	Mode     int64
	Type     byte
	Linkname string
}

func dirMember(name string) tarMember { return tarMember{Name: name, Mode: 0o755, Type: tar.TypeDir} }

func fileMember(name, body string, mode int64) tarMember {
	return tarMember{Name: name, Body: body, Mode: mode, Type: tar.TypeReg}
}

// writePackageArchive builds a .tar.zst in dir and returns its entry.
func writePackageArchive(t *testing.T, dir, name, version string, members []tarMember) RepoEntry {
	t.Helper()
	filename := name + "-" + version + "-1.tar.zst"
	path := filepath.Join(dir, filename)
	f, err := os.Create(path)
	require.NoError(t, err)
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	for _, m := range members {
		hdr := &tar.Header{
			Name:     m.Name,
			Mode:     m.Mode,
			Typeflag: m.Type,
			Linkname: m.Linkname,
			Size:     int64(len(m.Body)),
			ModTime:  time.Unix(1700000000, 0),
		}
		if m.Type != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if m.Type == tar.TypeReg {
			_, err := io.WriteString(tw, m.Body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	sum, err := ComputeChecksum(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	return RepoEntry{
		Name:     name,
		Version:  version,
		Revision: "1",
		Arch:     "x86_64",
		Filename: filename,
		Size:     info.Size(),
		B3Sum:    sum,
		Summary:  name + " test package",
	}
}

func fooMembers(extra ...tarMember) []tarMember {
	members := []tarMember{
		dirMember("usr/"),
		dirMember("usr/bin/"),
		dirMember("usr/share/"),
		dirMember("usr/share/foo/"),
		fileMember("usr/bin/foo", "#!/bin/sh\necho foo\n", 0o755),
		fileMember("usr/share/foo/data.txt", "data v1\n", 0o644),
		{Name: "usr/bin/foo-link", Type: tar.TypeSymlink, Linkname: "foo", Mode: 0o777},
	}
	return append(members, extra...)
}

type testEnv struct {
	root, cache, mirror string
	cfg                 *Config
	store               *Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()
	env := &testEnv{
		root:   filepath.Join(base, "root"),
		cache:  filepath.Join(base, "cache"),
		mirror: filepath.Join(base, "mirror"),
	}
	for _, d := range []string{env.root, env.cache, env.mirror} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	env.cfg = &Config{Values: map[string]string{
		"KAPTI_ROOT":      env.root,
		"KAPTI_CACHE_DIR": env.cache,
		"KAPTI_MIRROR":    "file://" + env.mirror,
		"KAPTI_ARCH":      "x86_64",
		"KAPTI_TRIGGERS":  "",
		"KAPTI_ELEVATE":   "none",
	}}
	initConfig(env.cfg)
	env.store = OpenStore(env.cfg)
	return env
}

// publish writes the cached index as if refresh had fetched it.
func (env *testEnv) publish(t *testing.T, entries ...RepoEntry) {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(env.cache, indexName), data, 0o644))
	require.NoError(t, env.store.Open())
}

func (env *testEnv) commit(t *testing.T, name string, kind OperationKind) (*progressLog, error) {
	t.Helper()
	p, err := env.store.Lookup(name)
	require.NoError(t, err)
	if kind == OpInstall {
		p.MarkInstall()
	} else {
		p.MarkDelete()
	}
	log := &progressLog{}
	return log, env.store.Commit(context.Background(), log, log)
}

func (env *testEnv) path(p string) string { return filepath.Join(env.root, p) }

// progressLog records the callbacks of a commit.
type progressLog struct {
	mu       sync.Mutex
	fetches  [][2]uint64
	done     []string
	failed   []string
	percents []float64
	statuses []string
	finishes int
	isolated int
}

func (l *progressLog) Fetch(fetched, total uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetches = append(l.fetches, [2]uint64{fetched, total})
}

func (l *progressLog) Done(item string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = append(l.done, item)
}

func (l *progressLog) Fail(item string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, item)
}

func (l *progressLog) StatusChange(pkg string, percent float64, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.percents = append(l.percents, percent)
	l.statuses = append(l.statuses, status)
}

func (l *progressLog) FinishUpdate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finishes++
}

func (l *progressLog) Isolate(cmd *exec.Cmd) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isolated++
	cmd.Stdout = io.Discard
	return nil
}

func TestStore_InstallAndRemove(t *testing.T) {
	env := newTestEnv(t)
	hook := tarMember{Name: ".kapti/post-install", Type: tar.TypeReg, Mode: 0o755,
		Body: "#!/bin/sh\necho configured\ntouch \"$KAPTI_ROOT/hook-$KAPTI_PACKAGE\"\n"}
	e := writePackageArchive(t, env.mirror, "foo", "1.0", fooMembers(hook))
	e.Depends = []string{"libc"}
	env.publish(t, e)

	log, err := env.commit(t, "foo", OpInstall)
	require.NoError(t, err)

	// Acquire: starts at zero, ends complete, then done.
	require.NotEmpty(t, log.fetches)
	assert.Equal(t, [2]uint64{0, uint64(e.Size)}, log.fetches[0])
	assert.Equal(t, [2]uint64{uint64(e.Size), uint64(e.Size)}, log.fetches[len(log.fetches)-1])
	assert.Equal(t, []string{e.Filename}, log.done)
	assert.Empty(t, log.failed)
	assert.FileExists(t, filepath.Join(env.cache, "bin", e.Filename))

	// Apply: monotonic percentages ending with 100 "installed".
	require.NotEmpty(t, log.percents)
	for i := 1; i < len(log.percents); i++ {
		assert.GreaterOrEqual(t, log.percents[i], log.percents[i-1])
	}
	assert.Equal(t, 100.0, log.percents[len(log.percents)-1])
	assert.Equal(t, "installed", log.statuses[len(log.statuses)-1])
	assert.Contains(t, log.statuses, "configuring")
	assert.Equal(t, 1, log.finishes)
	assert.Equal(t, 1, log.isolated)

	data, err := os.ReadFile(env.path("usr/bin/foo"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho foo\n", string(data))
	link, err := os.Readlink(env.path("usr/bin/foo-link"))
	require.NoError(t, err)
	assert.Equal(t, "foo", link)
	assert.FileExists(t, env.path("hook-foo"))
	assert.NoFileExists(t, env.path("post-install"), "control files stay out of the root")

	recDir := env.path("var/db/kapti/installed/foo")
	version, err := os.ReadFile(filepath.Join(recDir, "version"))
	require.NoError(t, err)
	assert.Equal(t, "1.0-1\n", string(version))
	assert.FileExists(t, filepath.Join(recDir, "post-install"))
	assert.NoDirExists(t, env.path("var/db/kapti/installed/.foo.new"))

	entries, err := parseManifest(filepath.Join(recDir, "manifest"))
	require.NoError(t, err)
	byPath := map[string]string{}
	for _, me := range entries {
		byPath[me.Path] = me.Checksum
	}
	assert.Contains(t, byPath, "/usr/share/foo/")
	assert.Equal(t, symlinkChecksum, byPath["/usr/bin/foo-link"])
	sum, err := ComputeChecksum(env.path("usr/bin/foo"))
	require.NoError(t, err)
	assert.Equal(t, sum, byPath["/usr/bin/foo"])

	world, err := readWorld(env.path("var/db/kapti/world"))
	require.NoError(t, err)
	assert.Equal(t, []string{"foo"}, world)

	p, err := env.store.Lookup("foo")
	require.NoError(t, err)
	require.True(t, p.IsInstalled())
	assert.Equal(t, "1.0-1", p.Installed.Version)
	assert.Equal(t, []string{"libc"}, p.Installed.Depends)
	assert.False(t, p.Upgradable())

	// Remove everything again.
	log, err = env.commit(t, "foo", OpRemove)
	require.NoError(t, err)
	assert.NoFileExists(t, env.path("usr/bin/foo"))
	assert.NoFileExists(t, env.path("usr/share/foo/data.txt"))
	_, err = os.Lstat(env.path("usr/bin/foo-link"))
	assert.True(t, os.IsNotExist(err))
	assert.NoDirExists(t, env.path("usr/share/foo"))
	assert.DirExists(t, env.path("usr/bin"), "system directories are kept")
	assert.NoDirExists(t, recDir)
	assert.Equal(t, 100.0, log.percents[len(log.percents)-1])
	assert.Equal(t, "removed", log.statuses[len(log.statuses)-1])
	assert.Equal(t, 1, log.finishes)

	world, err = readWorld(env.path("var/db/kapti/world"))
	require.NoError(t, err)
	assert.Empty(t, world)

	p, err = env.store.Lookup("foo")
	require.NoError(t, err)
	assert.False(t, p.IsInstalled())
}

func TestStore_InstallSameVersionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, writePackageArchive(t, env.mirror, "foo", "1.0", fooMembers()))

	_, err := env.commit(t, "foo", OpInstall)
	require.NoError(t, err)

	log, err := env.commit(t, "foo", OpInstall)
	require.NoError(t, err)
	assert.Empty(t, log.fetches)
	assert.Empty(t, log.percents)
	assert.Zero(t, log.finishes)
}

func TestStore_UpgradeDropsStaleFiles(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, writePackageArchive(t, env.mirror, "foo", "1.0", fooMembers()))
	_, err := env.commit(t, "foo", OpInstall)
	require.NoError(t, err)
	require.FileExists(t, env.path("usr/share/foo/data.txt"))

	v2 := writePackageArchive(t, env.mirror, "foo", "2.0", []tarMember{
		dirMember("usr/"),
		dirMember("usr/bin/"),
		fileMember("usr/bin/foo", "#!/bin/sh\necho foo 2\n", 0o755),
	})
	env.publish(t, v2)

	p, err := env.store.Lookup("foo")
	require.NoError(t, err)
	assert.True(t, p.Upgradable())

	_, err = env.commit(t, "foo", OpInstall)
	require.NoError(t, err)
	assert.NoFileExists(t, env.path("usr/share/foo/data.txt"))
	data, err := os.ReadFile(env.path("usr/bin/foo"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "foo 2")

	p, err = env.store.Lookup("foo")
	require.NoError(t, err)
	assert.Equal(t, "2.0-1", p.Installed.Version)
}

func TestStore_SharedFilesSurviveRemoval(t *testing.T) {
	env := newTestEnv(t)
	shared := fileMember("usr/share/common.txt", "shared\n", 0o644)
	foo := writePackageArchive(t, env.mirror, "foo", "1.0", fooMembers(shared))
	bar := writePackageArchive(t, env.mirror, "bar", "1.0", []tarMember{
		dirMember("usr/"), dirMember("usr/share/"), shared,
	})
	env.publish(t, foo, bar)

	_, err := env.commit(t, "foo", OpInstall)
	require.NoError(t, err)
	_, err = env.commit(t, "bar", OpInstall)
	require.NoError(t, err)

	_, err = env.commit(t, "foo", OpRemove)
	require.NoError(t, err)
	assert.FileExists(t, env.path("usr/share/common.txt"))
	assert.NoFileExists(t, env.path("usr/bin/foo"))
}

func TestStore_UsesCachedArchive(t *testing.T) {
	env := newTestEnv(t)
	binDir := filepath.Join(env.cache, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	// The mirror is empty: only the cache can provide the archive.
	env.publish(t, writePackageArchive(t, binDir, "foo", "1.0", fooMembers()))

	log, err := env.commit(t, "foo", OpInstall)
	require.NoError(t, err)
	assert.Empty(t, log.fetches)
	assert.Len(t, log.done, 1)
	assert.FileExists(t, env.path("usr/bin/foo"))
}

func TestStore_ChecksumMismatch(t *testing.T) {
	env := newTestEnv(t)
	e := writePackageArchive(t, env.mirror, "foo", "1.0", fooMembers())
	e.B3Sum = strings.Repeat("0", 64)
	env.publish(t, e)

	log, err := env.commit(t, "foo", OpInstall)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.Equal(t, []string{e.Filename}, log.failed)
	assert.Empty(t, log.done)
	assert.NoFileExists(t, env.path("usr/bin/foo"))
	assert.NoFileExists(t, filepath.Join(env.cache, "bin", e.Filename))
	assert.NoFileExists(t, filepath.Join(env.cache, "bin", e.Filename+".part"))

	p, err := env.store.Lookup("foo")
	require.NoError(t, err)
	assert.False(t, p.IsInstalled())
}

func TestStore_RejectsArchiveNameOutsideCache(t *testing.T) {
	env := newTestEnv(t)
	// A valid archive sits next to the cache's bin directory.
	e := writePackageArchive(t, env.cache, "foo", "1.0", fooMembers())
	e.Filename = "../" + e.Filename
	env.publish(t, e)

	log, err := env.commit(t, "foo", OpInstall)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid archive name")
	assert.Equal(t, []string{e.Filename}, log.failed)
	assert.Empty(t, log.done)
	assert.NoFileExists(t, env.path("usr/bin/foo"))

	p, err := env.store.Lookup("foo")
	require.NoError(t, err)
	assert.False(t, p.IsInstalled())
}

func TestStore_MissingFromMirror(t *testing.T) {
	env := newTestEnv(t)
	e := writePackageArchive(t, env.mirror, "foo", "1.0", fooMembers())
	require.NoError(t, os.Remove(filepath.Join(env.mirror, e.Filename)))
	env.publish(t, e)

	log, err := env.commit(t, "foo", OpInstall)
	require.Error(t, err)
	assert.Equal(t, []string{e.Filename}, log.failed)
}

func TestStore_RefusesPathTraversal(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, writePackageArchive(t, env.mirror, "evil", "1.0", []tarMember{
		fileMember("usr/bin/evil", "x", 0o755),
		fileMember("../escaped", "x", 0o644),
	}))

	_, err := env.commit(t, "evil", OpInstall)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(env.root), "escaped"))

	p, err := env.store.Lookup("evil")
	require.NoError(t, err)
	assert.False(t, p.IsInstalled())
}

func TestStore_RefusesWritingThroughSymlink(t *testing.T) {
	env := newTestEnv(t)
	outside := t.TempDir()
	env.publish(t, writePackageArchive(t, env.mirror, "evil", "1.0", []tarMember{
		{Name: "usr/lib", Type: tar.TypeSymlink, Linkname: outside, Mode: 0o777},
		fileMember("usr/lib/owned", "x", 0o644),
	}))

	_, err := env.commit(t, "evil", OpInstall)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(outside, "owned"))
}

func TestStore_PreRemoveFailureAborts(t *testing.T) {
	env := newTestEnv(t)
	hook := tarMember{Name: ".kapti/pre-remove", Type: tar.TypeReg, Mode: 0o755, Body: "#!/bin/sh\nexit 1\n"}
	env.publish(t, writePackageArchive(t, env.mirror, "foo", "1.0", fooMembers(hook)))
	_, err := env.commit(t, "foo", OpInstall)
	require.NoError(t, err)

	_, err = env.commit(t, "foo", OpRemove)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-remove")
	assert.FileExists(t, env.path("usr/bin/foo"))

	p, err := env.store.Lookup("foo")
	require.NoError(t, err)
	assert.True(t, p.IsInstalled())
}

func TestStore_PostRemoveRunsAfterRecordIsGone(t *testing.T) {
	env := newTestEnv(t)
	hook := tarMember{Name: ".kapti/post-remove", Type: tar.TypeReg, Mode: 0o755,
		Body: "#!/bin/sh\ntouch \"$KAPTI_ROOT/removed-$KAPTI_PACKAGE\"\n"}
	env.publish(t, writePackageArchive(t, env.mirror, "foo", "1.0", fooMembers(hook)))
	_, err := env.commit(t, "foo", OpInstall)
	require.NoError(t, err)

	_, err = env.commit(t, "foo", OpRemove)
	require.NoError(t, err)
	assert.FileExists(t, env.path("removed-foo"))
	assert.NoDirExists(t, env.path("var/db/kapti/installed/foo"))
}

func TestStore_RemoveNotInstalled(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, writePackageArchive(t, env.mirror, "foo", "1.0", fooMembers()))

	_, err := env.commit(t, "foo", OpRemove)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotInstalled))
}

func TestStore_LookupUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t)

	_, err := env.store.Lookup("nope")
	assert.True(t, errors.Is(err, errPackageNotFound))
}

func TestStore_LookupTracksMarks(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, writePackageArchive(t, env.mirror, "foo", "1.0", fooMembers()))

	a, err := env.store.Lookup("foo")
	require.NoError(t, err)
	b, err := env.store.Lookup("foo")
	require.NoError(t, err)
	assert.Same(t, a, b)

	// Open discards pending marks.
	a.MarkInstall()
	require.NoError(t, env.store.Open())
	c, err := env.store.Lookup("foo")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, markKeep, c.mark)
}

func TestStore_Refresh(t *testing.T) {
	env := newTestEnv(t)
	e := writePackageArchive(t, env.mirror, "foo", "1.0", fooMembers())
	data, err := json.Marshal([]RepoEntry{e})
	require.NoError(t, err)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(data, nil)
	require.NoError(t, enc.Close())
	require.NoError(t, os.WriteFile(filepath.Join(env.mirror, indexNameZst), compressed, 0o644))

	// A stale uncompressed cache must not shadow the fresh index.
	require.NoError(t, os.WriteFile(filepath.Join(env.cache, indexName), []byte("[]"), 0o644))

	require.NoError(t, env.store.Refresh(context.Background()))
	assert.FileExists(t, filepath.Join(env.cache, indexNameZst))
	assert.NoFileExists(t, filepath.Join(env.cache, indexName))

	pkgs, err := env.store.Packages()
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "foo", pkgs[0].Name)
	assert.Equal(t, "1.0-1", pkgs[0].Candidate.FullVersion())
}

func TestStore_RefreshWithoutMirror(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Values["KAPTI_MIRROR"] = ""
	assert.Error(t, env.store.Refresh(context.Background()))
}

func TestStore_RefreshRejectsBrokenIndex(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.mirror, indexName), []byte("{not json"), 0o644))
	assert.Error(t, env.store.Refresh(context.Background()))
	assert.NoFileExists(t, filepath.Join(env.cache, indexName))
}
