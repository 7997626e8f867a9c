package kapti

import (
	"path/filepath"
	"strings"
)

// Directories that are never removed, even when empty after a removal.
var forbiddenSystemDirs = map[string]struct{}{
	"/bin":   {},
	"/lib":   {},
	"/lib32": {},
	"/lib64": {},
	"/opt":   {},
	"/sbin":  {},
	"/usr":   {},
	"/var":   {},
	"/etc":   {},
	// Common subdirectories
	"/etc/profile.d":      {},
	"/usr/bin":            {},
	"/usr/include":        {},
	"/usr/lib":            {},
	"/usr/lib32":          {},
	"/usr/lib64":          {},
	"/usr/libexec":        {},
	"/usr/local":          {},
	"/usr/sbin":           {},
	"/usr/share":          {},
	"/usr/src":            {},
	"/usr/share/doc":      {},
	"/usr/share/man":      {},
	"/usr/share/man/man1": {},
	"/usr/share/man/man5": {},
	"/usr/share/man/man8": {},
	"/var/cache":          {},
	"/var/db":             {},
	"/var/db/kapti":       {},
	"/var/empty":          {},
	"/var/lib":            {},
	"/var/local":          {},
	"/var/lock":           {},
	"/var/log":            {},
	"/var/mail":           {},
	"/var/opt":            {},
	"/var/run":            {},
	"/var/spool":          {},
	"/var/tmp":            {},
}

// Trees whose contents are never touched by a removal.
var forbiddenSystemDirsRecursive = map[string]struct{}{
	"/boot": {},
	"/dev":  {},
	"/home": {},
	"/mnt":  {},
	"/proc": {},
	"/root": {},
	"/sys":  {},
	"/tmp":  {},
	"/run":  {},
}

// isProtectedPath reports whether a manifest path (relative to the install
// root, with a leading slash) must survive a removal.
func isProtectedPath(p string) bool {
	p = filepath.Clean("/" + p)
	if p == "/" {
		return true
	}
	if _, ok := forbiddenSystemDirs[p]; ok {
		return true
	}
	for dir := range forbiddenSystemDirsRecursive {
		if p == dir || strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}
