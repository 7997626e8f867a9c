package kapti

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// controlPrefix holds package metadata and hooks inside an archive.
const controlPrefix = ".kapti/"

// countingReader tracks how many compressed bytes were consumed.
type countingReader struct {
	r     io.Reader
	n     int64
	total int64
	tick  func(float64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.tick != nil && c.total > 0 {
		c.tick(float64(c.n) / float64(c.total) * 100)
	}
	return n, err
}

// openArchive returns a decompressing reader picked from the file name.
func openArchive(name string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		zst, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd reader for %s: %w", name, err)
		}
		return zst, zst.Close, nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader for %s: %w", name, err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create xz reader for %s: %w", name, err)
		}
		return xzr, func() {}, nil
	case strings.HasSuffix(name, ".tar"):
		return r, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported archive format: %s", name)
}

// safeJoin resolves an archive member below root, refusing anything that
// would land outside of it.
func safeJoin(root, name string) (string, string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return "", "", nil
	}
	if strings.Contains(name, "..") {
		for _, part := range strings.Split(filepath.ToSlash(name), "/") {
			if part == ".." {
				return "", "", fmt.Errorf("archive entry %q escapes the install root", name)
			}
		}
	}
	return filepath.Join(root, clean), clean, nil
}

// extractResult describes what an archive put on disk.
type extractResult struct {
	Files []string // manifest paths of files and symlinks, "/usr/bin/x"
	Dirs  []string // manifest paths of directories, "/usr/bin/"
	Links map[string]bool
}

// extractPackage unpacks a package archive into root. Members under
// .kapti/ are written to controlDir instead. tick receives the share of the
// compressed archive consumed so far, 0 to 100.
func extractPackage(archivePath, root, controlDir string, tick func(float64)) (*extractResult, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	counter := &countingReader{r: f, total: info.Size(), tick: tick}
	r, closeFn, err := openArchive(archivePath, counter)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	res := &extractResult{Links: make(map[string]bool)}
	seenDirs := make(map[string]bool)
	createdLinks := make(map[string]bool)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading tar header in %s: %w", archivePath, err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		base := root
		control := false
		if strings.HasPrefix(name, controlPrefix) || name == strings.TrimSuffix(controlPrefix, "/") {
			name = strings.TrimPrefix(strings.TrimPrefix(name, strings.TrimSuffix(controlPrefix, "/")), "/")
			base = controlDir
			control = true
		}

		target, rel, err := safeJoin(base, name)
		if err != nil {
			return nil, err
		}
		if target == "" {
			continue
		}
		if throughLink(target, base, createdLinks) {
			return nil, fmt.Errorf("archive entry %q is written through a symlink", hdr.Name)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create parent dir for %s: %w", target, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()); err != nil {
				return nil, fmt.Errorf("failed to create dir %s: %w", target, err)
			}
			if !control && !seenDirs[rel] {
				seenDirs[rel] = true
				res.Dirs = append(res.Dirs, rel+"/")
			}
			continue
		case tar.TypeReg:
			if err := writeMember(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return nil, err
			}
		case tar.TypeSymlink:
			if err := replaceWithSymlink(hdr.Linkname, target); err != nil {
				return nil, err
			}
			createdLinks[target] = true
			if !control {
				res.Links[rel] = true
			}
		case tar.TypeLink:
			src, _, err := safeJoin(base, strings.TrimPrefix(hdr.Linkname, "./"))
			if err != nil {
				return nil, err
			}
			_ = os.Remove(target)
			if err := os.Link(src, target); err != nil {
				return nil, fmt.Errorf("failed to link %s -> %s: %w", target, src, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
			continue
		}

		// Restore ownership if running as root
		if os.Geteuid() == 0 {
			_ = unix.Lchown(target, hdr.Uid, hdr.Gid)
		}
		if hdr.Typeflag != tar.TypeSymlink {
			_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		}
		if !control {
			res.Files = append(res.Files, rel)
		}
	}

	if tick != nil {
		tick(100)
	}
	sort.Strings(res.Files)
	sort.Strings(res.Dirs)
	return res, nil
}

// throughLink reports whether a parent of target below base is a symlink
// created earlier from the same archive.
func throughLink(target, base string, links map[string]bool) bool {
	for dir := filepath.Dir(target); len(dir) > len(base); dir = filepath.Dir(dir) {
		if links[dir] {
			return true
		}
	}
	return false
}

// writeMember writes a regular file next to target and renames it into
// place, so a running binary is replaced rather than overwritten.
func writeMember(target string, r io.Reader, mode os.FileMode) error {
	tmp := target + ".kapti-new"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write file %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", target, err)
	}
	return nil
}

func replaceWithSymlink(linkname, target string) error {
	if info, err := os.Lstat(target); err == nil {
		if info.IsDir() {
			return fmt.Errorf("refusing to replace directory %s with a symlink", target)
		}
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	if err := os.Symlink(linkname, target); err != nil {
		return fmt.Errorf("failed to create symlink %s -> %s: %w", target, linkname, err)
	}
	return nil
}
