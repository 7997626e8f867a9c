package kapti

import (
	"os"
	"sort"
	"strings"
)

// The world file lists the packages a user asked for by name, one per line.

func readWorld(worldFile string) ([]string, error) {
	content, err := os.ReadFile(worldFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(content), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out, nil
}

func addToWorld(worldFile, pkgName string) error {
	names, err := readWorld(worldFile)
	if err != nil {
		return err
	}
	for _, n := range names {
		if n == pkgName {
			return nil // Already in world
		}
	}
	names = append(names, pkgName)
	sort.Strings(names)
	return writeWorld(worldFile, names)
}

// removeFromWorld removes a package from the world file.
func removeFromWorld(worldFile, pkgName string) error {
	names, err := readWorld(worldFile)
	if err != nil {
		return err
	}
	kept := names[:0]
	changed := false
	for _, n := range names {
		if n == pkgName {
			changed = true
			continue
		}
		kept = append(kept, n)
	}
	if !changed {
		return nil
	}
	return writeWorld(worldFile, kept)
}

func writeWorld(worldFile string, names []string) error {
	content := ""
	if len(names) > 0 {
		content = strings.Join(names, "\n") + "\n"
	}
	return writeFileAtomic(worldFile, []byte(content), 0o644)
}
