package kapti

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// symlinkChecksum stands in for the digest of a symlink entry.
const symlinkChecksum = "000000"

type ManifestEntry struct {
	Path     string
	Checksum string // empty for directories
}

func (m ManifestEntry) IsDir() bool { return strings.HasSuffix(m.Path, "/") }

// writeManifest records every file the archive installed below root,
// directories first, then symlinks, then regular files with their BLAKE3
// digest.
func writeManifest(manifestFile, root string, res *extractResult) error {
	var regular []string
	for _, p := range res.Files {
		if !res.Links[p] {
			regular = append(regular, filepath.Join(root, p))
		}
	}
	sums, err := ComputeChecksums(regular)
	if err != nil {
		return fmt.Errorf("failed to compute checksums: %w", err)
	}

	var b strings.Builder
	for _, d := range res.Dirs {
		fmt.Fprintln(&b, d)
	}
	for _, p := range res.Files {
		if res.Links[p] {
			fmt.Fprintf(&b, "%s %s\n", p, symlinkChecksum)
		}
	}
	for _, p := range res.Files {
		if res.Links[p] {
			continue
		}
		sum, ok := sums[filepath.Join(root, p)]
		if !ok {
			return fmt.Errorf("missing checksum for %s", p)
		}
		fmt.Fprintf(&b, "%s  %s\n", p, sum)
	}

	if err := writeFileAtomic(manifestFile, []byte(b.String()), 0o644); err != nil {
		return err
	}
	debugf("Manifest written to %s (%d entries)\n", manifestFile, len(res.Files)+len(res.Dirs))
	return nil
}

// parseManifest reads a manifest in file order. A missing manifest is empty.
func parseManifest(filePath string) ([]ManifestEntry, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open manifest file %s: %w", filePath, err)
	}
	defer file.Close()

	var entries []ManifestEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 1 && strings.HasSuffix(line, "/") {
			entries = append(entries, ManifestEntry{Path: line})
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("invalid manifest line format: %s", line)
		}
		// The checksum never contains spaces; the path might.
		checksum := fields[len(fields)-1]
		path := strings.TrimSpace(strings.TrimSuffix(line, checksum))
		entries = append(entries, ManifestEntry{Path: path, Checksum: checksum})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading manifest file %s: %w", filePath, err)
	}
	return entries, nil
}

// manifestFiles returns the non-directory paths of a manifest as a set.
func manifestFiles(entries []ManifestEntry) map[string]bool {
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out[e.Path] = true
		}
	}
	return out
}

// dirsDeepestFirst orders directory entries so children come before their
// parents.
func dirsDeepestFirst(entries []ManifestEntry) []string {
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, strings.TrimSuffix(e.Path, "/"))
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/")
		if di != dj {
			return di > dj
		}
		return dirs[i] > dirs[j]
	})
	return dirs
}
