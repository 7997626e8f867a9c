package kapti

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// mirrorSource streams named files from the package mirror.
type mirrorSource interface {
	// Open returns the content and its size, or -1 when unknown.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

// newMirror picks a source for the configured mirror address.
func newMirror(ctx context.Context, cfg *Config) (mirrorSource, error) {
	m := cfg.Mirror()
	switch {
	case m == "":
		return nil, fmt.Errorf("no KAPTI_MIRROR configured")
	case strings.HasPrefix(m, "http://"), strings.HasPrefix(m, "https://"):
		return &httpMirror{base: m, client: newHttpClient()}, nil
	case strings.HasPrefix(m, "s3://"):
		return NewS3Mirror(ctx, cfg, m)
	case strings.HasPrefix(m, "file://"):
		return fileMirror(strings.TrimPrefix(m, "file://")), nil
	case filepath.IsAbs(m):
		return fileMirror(m), nil
	}
	return nil, fmt.Errorf("unsupported mirror %q", m)
}

func newHttpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = 30 * time.Second
	// No overall timeout; the caller's context bounds a transfer.
	transport.ResponseHeaderTimeout = 60 * time.Second
	return &http.Client{Transport: transport}
}

type httpMirror struct {
	base   string
	client *http.Client
}

func (m *httpMirror) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	url := m.base + "/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("get %s: %s", url, resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

type fileMirror string

func (m fileMirror) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(filepath.Join(string(m), name))
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// fetchCounter reports download progress through AcquireProgress without
// flooding it: one call per step of the expected size.
type fetchCounter struct {
	acq     AcquireProgress
	total   uint64
	fetched uint64
	last    uint64
	step    uint64
}

func newFetchCounter(acq AcquireProgress, total uint64) *fetchCounter {
	return &fetchCounter{acq: acq, total: total, step: max(total/200, 32*1024)}
}

func (c *fetchCounter) Write(p []byte) (int, error) {
	c.fetched += uint64(len(p))
	if c.fetched-c.last >= c.step {
		c.last = c.fetched
		c.acq.Fetch(c.fetched, max(c.total, c.fetched))
	}
	return len(p), nil
}

func (c *fetchCounter) finish() {
	if c.fetched != c.last || c.fetched == 0 {
		c.last = c.fetched
		c.acq.Fetch(c.fetched, max(c.total, c.fetched))
	}
}

// acquire makes the archive for e available in the cache and returns its
// path. A cached archive with a matching checksum is reused.
func (s *Store) acquire(ctx context.Context, e RepoEntry, acq AcquireProgress) (string, error) {
	if strings.ContainsRune(e.Filename, '/') || e.Filename == "" || e.Filename == "." || e.Filename == ".." {
		err := fmt.Errorf("invalid archive name %q", e.Filename)
		acq.Fail(e.Filename, err)
		return "", err
	}
	dest := filepath.Join(s.cfg.CacheDir(), "bin", e.Filename)
	if _, err := os.Stat(dest); err == nil {
		if err := verifyChecksum(dest, e.B3Sum); err == nil {
			debugf("using cached %s\n", dest)
			acq.Done(e.Filename)
			return dest, nil
		}
		debugf("cached %s is stale, fetching again\n", dest)
	}

	if err := s.downloadArchive(ctx, e, dest, acq); err != nil {
		acq.Fail(e.Filename, err)
		return "", err
	}
	acq.Done(e.Filename)
	return dest, nil
}

func (s *Store) downloadArchive(ctx context.Context, e RepoEntry, dest string, acq AcquireProgress) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Serialize concurrent downloads of the same file.
	lockPath := dest + ".lock"
	lFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	mirror, err := s.mirrorSource(ctx)
	if err != nil {
		return err
	}
	body, size, err := mirror.Open(ctx, e.Filename)
	if err != nil {
		return err
	}
	defer body.Close()

	total := uint64(0)
	if size > 0 {
		total = uint64(size)
	} else if e.Size > 0 {
		total = uint64(e.Size)
	}

	part := dest + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", part, err)
	}
	defer os.Remove(part)

	h := newHasher()
	counter := newFetchCounter(acq, total)
	acq.Fetch(0, total)
	_, err = io.Copy(io.MultiWriter(out, h, counter), &contextReader{ctx: ctx, r: body})
	counter.finish()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", e.Filename, err)
	}

	if sum := hex.EncodeToString(h.Sum(nil)); e.B3Sum != "" && sum != e.B3Sum {
		return fmt.Errorf("%s: %w (got %s, want %s)", e.Filename, ErrChecksumMismatch, sum, e.B3Sum)
	}
	if err := os.Rename(part, dest); err != nil {
		return err
	}
	_ = os.Remove(lockPath)
	debugf("downloaded %s (%d bytes)\n", dest, counter.fetched)
	return nil
}

// fetchIndex downloads the repository index into the cache directory.
func (s *Store) fetchIndex(ctx context.Context) (string, error) {
	mirror, err := s.mirrorSource(ctx)
	if err != nil {
		return "", err
	}
	var lastErr error
	for _, name := range []string{indexName, indexNameZst} {
		body, _, err := mirror.Open(ctx, name)
		if err != nil {
			lastErr = err
			debugf("index %s unavailable: %v\n", name, err)
			continue
		}
		defer body.Close()

		data, err := io.ReadAll(&contextReader{ctx: ctx, r: body})
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := ParseRepoIndex(data); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		cacheDir := s.cfg.CacheDir()
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return "", err
		}
		dest := filepath.Join(cacheDir, name)
		if err := writeFileAtomic(dest, data, 0o644); err != nil {
			return "", err
		}
		// Only one cached variant may exist.
		for _, other := range []string{indexName, indexNameZst} {
			if other != name {
				_ = os.Remove(filepath.Join(cacheDir, other))
			}
		}
		return dest, nil
	}
	return "", fmt.Errorf("fetch repository index: %w", lastErr)
}
