package kapti

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// percentTicker forwards progress to StatusChange once per whole percent.
// Decompressors may call tick from their own goroutines.
type percentTicker struct {
	mu     sync.Mutex
	inst   InstallProgress
	pkg    string
	status string
	lo, hi float64
	last   int
}

func newPercentTicker(inst InstallProgress, pkg, status string, lo, hi float64) *percentTicker {
	return &percentTicker{inst: inst, pkg: pkg, status: status, lo: lo, hi: hi, last: -1}
}

// tick maps p (0..100) into [lo, hi].
func (t *percentTicker) tick(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.lo + (t.hi-t.lo)*clampPercent(p)/100
	if int(v) <= t.last {
		return
	}
	t.last = int(v)
	t.inst.StatusChange(t.pkg, v, t.status)
}

// installPackage fetches and unpacks the candidate of p. It reports false
// when the installed version already matches.
func (s *Store) installPackage(ctx context.Context, p *Package, acquire AcquireProgress, inst InstallProgress) (bool, error) {
	if p.Candidate == nil {
		return false, fmt.Errorf("%s: no installable version in the repository index: %w", p.Name, errPackageNotFound)
	}
	e := *p.Candidate
	if p.Installed != nil && p.Installed.Version == e.FullVersion() {
		if _, err := os.Stat(filepath.Join(s.recordDir(p.Name), "manifest")); err == nil {
			debugf("%s %s is already installed\n", p.Name, e.FullVersion())
			return false, nil
		}
	}

	archive, err := s.acquire(ctx, e, acquire)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.applyArchive(ctx, p.Name, e, archive, inst); err != nil {
		return true, err
	}
	return true, nil
}

// applyArchive unpacks archive into the root and records it as the
// installed version of name.
func (s *Store) applyArchive(ctx context.Context, name string, e RepoEntry, archive string, inst InstallProgress) error {
	root := s.cfg.Root()
	recDir := s.recordDir(name)
	staging := filepath.Join(s.installedDir(), "."+name+".new")
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", staging, err)
	}
	defer os.RemoveAll(staging)

	ticker := newPercentTicker(inst, name, "unpacking", 0, 90)
	ticker.tick(0)
	res, err := extractPackage(archive, root, staging, ticker.tick)
	if err != nil {
		return fmt.Errorf("unpack %s: %w", e.Filename, err)
	}

	// Drop what the previous version shipped and this one does not.
	old, err := parseManifest(filepath.Join(recDir, "manifest"))
	if err != nil {
		warnf("%s: previous manifest unreadable: %v\n", name, err)
	}
	shipped := make(map[string]bool, len(res.Files))
	for _, f := range res.Files {
		shipped[f] = true
	}
	owned := s.ownedByOthers(name)
	for path := range manifestFiles(old) {
		if shipped[path] || isProtectedPath(path) || owned[path] {
			continue
		}
		if err := os.Remove(filepath.Join(root, path)); err != nil && !os.IsNotExist(err) {
			warnf("failed to remove stale %s: %v\n", path, err)
		}
	}

	inst.StatusChange(name, 92, "recording")
	if err := writeManifest(filepath.Join(staging, "manifest"), root, res); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, "version"), []byte(e.FullVersion()+"\n"), 0o644); err != nil {
		return err
	}
	if len(e.Depends) > 0 {
		if err := os.WriteFile(filepath.Join(staging, "depends"), []byte(strings.Join(e.Depends, "\n")+"\n"), 0o644); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(recDir); err != nil {
		return err
	}
	if err := os.Rename(staging, recDir); err != nil {
		return fmt.Errorf("failed to record %s: %w", name, err)
	}

	var hookErr error
	if hook := filepath.Join(recDir, "post-install"); isExecutableFile(hook) {
		inst.StatusChange(name, 95, "configuring")
		hookErr = s.runHook(ctx, inst, name, hook)
	}
	if err := addToWorld(s.worldFile(), name); err != nil {
		warnf("failed to update world file: %v\n", err)
	}
	inst.StatusChange(name, 100, "installed")
	inst.FinishUpdate()
	if hookErr != nil {
		return fmt.Errorf("%s: post-install: %w", name, hookErr)
	}
	return nil
}

// ownedByOthers collects the paths listed by every installed package
// except excludePkg.
func (s *Store) ownedByOthers(excludePkg string) map[string]bool {
	s.mu.Lock()
	names := make([]string, 0, len(s.installed))
	for n := range s.installed {
		if n != excludePkg {
			names = append(names, n)
		}
	}
	s.mu.Unlock()

	owned := make(map[string]bool)
	for _, n := range names {
		entries, err := parseManifest(filepath.Join(s.recordDir(n), "manifest"))
		if err != nil {
			continue // skip unreadable manifests
		}
		for _, e := range entries {
			if !e.IsDir() {
				owned[e.Path] = true
			}
		}
	}
	return owned
}
