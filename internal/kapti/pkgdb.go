package kapti

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Database is the package manager the privileged helper drives.
type Database interface {
	Open() error
	Refresh(ctx context.Context) error
	Lookup(name string) (*Package, error)
	Commit(ctx context.Context, acquire AcquireProgress, install InstallProgress) error
}

type pkgMark int

const (
	markKeep pkgMark = iota
	markInstall
	markDelete
)

// Package is one name known to the database: an installable candidate from
// the index, an installed record, or both.
type Package struct {
	Name      string
	Candidate *RepoEntry
	Installed *InstalledRecord

	mark pkgMark
}

// MarkInstall schedules the candidate for installation at the next Commit.
func (p *Package) MarkInstall() { p.mark = markInstall }

// MarkDelete schedules the installed package for removal at the next Commit.
func (p *Package) MarkDelete() { p.mark = markDelete }

// IsInstalled reports whether an installed record exists.
func (p *Package) IsInstalled() bool { return p.Installed != nil }

// Upgradable reports whether the candidate is newer than what is installed.
func (p *Package) Upgradable() bool {
	if p.Candidate == nil || p.Installed == nil {
		return false
	}
	return p.Candidate.FullVersion() != p.Installed.Version &&
		compareVersions(strings.ReplaceAll(p.Candidate.FullVersion(), "-", "."),
			strings.ReplaceAll(p.Installed.Version, "-", ".")) > 0
}

// InstalledRecord is the on-disk record of an installed package.
type InstalledRecord struct {
	Name    string
	Version string
	Depends []string
	Dir     string
}

// Store is the file-based package database: a cached repository index
// plus the installed records below DBDir.
type Store struct {
	cfg *Config

	mu        sync.Mutex
	index     map[string]RepoEntry
	installed map[string]*InstalledRecord
	pending   map[string]*Package
	opened    bool

	mirror mirrorSource
}

// OpenStore returns a store for cfg. Nothing is read until Open.
func OpenStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{Values: map[string]string{}}
		initConfig(cfg)
	}
	return &Store{cfg: cfg}
}

func (s *Store) installedDir() string { return filepath.Join(s.cfg.DBDir(), "installed") }
func (s *Store) worldFile() string    { return filepath.Join(s.cfg.DBDir(), "world") }
func (s *Store) lockFile() string     { return filepath.Join(s.cfg.DBDir(), "lock") }
func (s *Store) recordDir(name string) string {
	return filepath.Join(s.installedDir(), name)
}

// Open (re)loads the cached index and the installed records. Pending marks
// are discarded.
func (s *Store) Open() error {
	index, err := loadCachedIndex(s.cfg.CacheDir(), s.cfg.Arch())
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	installed, err := loadInstalled(s.installedDir())
	if err != nil {
		return fmt.Errorf("load installed packages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
	s.installed = installed
	s.pending = make(map[string]*Package)
	s.opened = true
	debugf("package database: %d available, %d installed\n", len(index), len(installed))
	return nil
}

// Refresh downloads the repository index from the mirror and reloads.
func (s *Store) Refresh(ctx context.Context) error {
	path, err := s.fetchIndex(ctx)
	if err != nil {
		return err
	}
	debugf("index saved to %s\n", path)
	return s.Open()
}

func (s *Store) ensureOpen() error {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if opened {
		return nil
	}
	return s.Open()
}

// Lookup returns the package called name. The returned value is tracked by
// the store, so marks set on it take effect at the next Commit.
func (s *Store) Lookup(name string) (*Package, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[name]; ok {
		return p, nil
	}
	p := &Package{Name: name}
	if e, ok := s.index[name]; ok {
		p.Candidate = &e
	}
	if rec, ok := s.installed[name]; ok {
		p.Installed = rec
	}
	if p.Candidate == nil && p.Installed == nil {
		return nil, fmt.Errorf("%s: %w", name, errPackageNotFound)
	}
	s.pending[name] = p
	return p, nil
}

// Packages returns every known package, sorted by name.
func (s *Store) Packages() ([]*Package, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byName := make(map[string]*Package, len(s.index))
	for name, e := range s.index {
		e := e
		byName[name] = &Package{Name: name, Candidate: &e}
	}
	for name, rec := range s.installed {
		p, ok := byName[name]
		if !ok {
			p = &Package{Name: name}
			byName[name] = p
		}
		p.Installed = rec
	}
	out := make([]*Package, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Commit applies every pending mark under the database lock, then runs the
// system triggers.
func (s *Store) Commit(ctx context.Context, acquire AcquireProgress, install InstallProgress) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	var work []*Package
	for _, p := range s.pending {
		if p.mark != markKeep {
			work = append(work, p)
		}
	}
	s.mu.Unlock()
	if len(work) == 0 {
		debugf("nothing to commit\n")
		return nil
	}
	sort.Slice(work, func(i, j int) bool { return work[i].Name < work[j].Name })

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	changed := false
	var commitErr error
	for _, p := range work {
		if err := ctx.Err(); err != nil {
			commitErr = err
			break
		}
		var err error
		var did bool
		switch p.mark {
		case markInstall:
			did, err = s.installPackage(ctx, p, acquire, install)
		case markDelete:
			did, err = s.removePackage(ctx, p, install)
		}
		changed = changed || did
		if err != nil {
			commitErr = err
			break
		}
		p.mark = markKeep
	}

	if changed {
		s.runTriggers(ctx, install)
	}
	if err := s.Open(); err != nil && commitErr == nil {
		commitErr = err
	}
	return commitErr
}

// lock takes the exclusive database lock.
func (s *Store) lock() (func(), error) {
	if err := os.MkdirAll(s.cfg.DBDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	f, err := os.OpenFile(s.lockFile(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		debugf("package database is locked, waiting\n")
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to lock package database: %w", err)
		}
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func (s *Store) mirrorSource(ctx context.Context) (mirrorSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mirror != nil {
		return s.mirror, nil
	}
	m, err := newMirror(ctx, s.cfg)
	if err != nil {
		return nil, err
	}
	s.mirror = m
	return m, nil
}

// loadInstalled reads every record below dir.
func loadInstalled(dir string) (map[string]*InstalledRecord, error) {
	out := make(map[string]*InstalledRecord)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil // No packages installed
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		rec, err := readInstalledRecord(filepath.Join(dir, e.Name()))
		if err != nil {
			debugf("skipping installed record %s: %v\n", e.Name(), err)
			continue
		}
		out[rec.Name] = rec
	}
	return out, nil
}

func readInstalledRecord(dir string) (*InstalledRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, "version"))
	if err != nil {
		return nil, err
	}
	rec := &InstalledRecord{
		Name:    filepath.Base(dir),
		Version: strings.TrimSpace(string(data)),
		Dir:     dir,
	}
	if deps, err := os.ReadFile(filepath.Join(dir, "depends")); err == nil {
		for _, line := range strings.Split(string(deps), "\n") {
			if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
				rec.Depends = append(rec.Depends, line)
			}
		}
	}
	return rec, nil
}
