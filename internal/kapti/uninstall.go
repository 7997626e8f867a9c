package kapti

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// removePackage deletes the files of an installed package and its record.
func (s *Store) removePackage(ctx context.Context, p *Package, inst InstallProgress) (bool, error) {
	if p.Installed == nil {
		return false, fmt.Errorf("%s: %w", p.Name, ErrNotInstalled)
	}
	name := p.Name
	root := s.cfg.Root()
	recDir := s.recordDir(name)

	ticker := newPercentTicker(inst, name, "removing", 0, 95)
	ticker.tick(0)
	if hook := filepath.Join(recDir, "pre-remove"); isExecutableFile(hook) {
		if err := s.runHook(ctx, inst, name, hook); err != nil {
			return false, fmt.Errorf("%s: pre-remove: %w", name, err)
		}
	}

	entries, err := parseManifest(filepath.Join(recDir, "manifest"))
	if err != nil {
		return false, err
	}

	// The post-remove hook outlives the record.
	var postRemove string
	if hook := filepath.Join(recDir, "post-remove"); isExecutableFile(hook) {
		tmpDir, err := os.MkdirTemp("", "kapti-hook-*")
		if err != nil {
			return false, err
		}
		defer os.RemoveAll(tmpDir)
		postRemove = filepath.Join(tmpDir, "post-remove")
		if err := copyFile(hook, postRemove); err != nil {
			return false, fmt.Errorf("failed to stage post-remove hook: %w", err)
		}
	}

	files := manifestFiles(entries)
	owned := s.ownedByOthers(name)
	i := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		i++
		ticker.tick(float64(i) / float64(len(files)) * 100)
		if isProtectedPath(e.Path) || owned[e.Path] {
			debugf("keeping %s\n", e.Path)
			continue
		}
		target := filepath.Join(root, e.Path)
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			warnf("failed to remove %s: %v\n", target, err)
		}
	}

	for _, dir := range dirsDeepestFirst(entries) {
		if isProtectedPath(dir) {
			continue
		}
		// Fails harmlessly when another package still has files inside.
		if err := os.Remove(filepath.Join(root, dir)); err == nil {
			debugf("removed empty directory %s\n", dir)
		}
	}

	if err := os.RemoveAll(recDir); err != nil {
		return true, fmt.Errorf("failed to remove record of %s: %w", name, err)
	}

	var hookErr error
	if postRemove != "" {
		hookErr = s.runHook(ctx, inst, name, postRemove)
	}
	if err := removeFromWorld(s.worldFile(), name); err != nil {
		warnf("failed to update world file: %v\n", err)
	}
	inst.StatusChange(name, 100, "removed")
	inst.FinishUpdate()
	if hookErr != nil {
		return true, fmt.Errorf("%s: post-remove: %w", name, hookErr)
	}
	return true, nil
}
