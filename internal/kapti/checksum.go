package kapti

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"runtime"
	"sync"

	"lukechampine.com/blake3"
)

func newHasher() hash.Hash {
	return blake3.New(32, nil)
}

// ComputeChecksum returns the hex BLAKE3 digest of a file.
func ComputeChecksum(path string) (string, error) {
	return computeSingleHash(path, make([]byte, 64*1024))
}

func computeSingleHash(path string, buf []byte) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := newHasher()
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeChecksums hashes many files in parallel. The first error wins but
// every file is attempted.
func ComputeChecksums(paths []string) (map[string]string, error) {
	results := make(map[string]string, len(paths))
	if len(paths) == 0 {
		return results, nil
	}

	numWorkers := min(runtime.NumCPU()*2, len(paths))

	jobs := make(chan string, len(paths))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var errOnce sync.Once
	var firstErr error

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 64*1024)
			for path := range jobs {
				sum, err := computeSingleHash(path, buf)
				mu.Lock()
				if err != nil {
					errOnce.Do(func() { firstErr = err })
				} else {
					results[path] = sum
				}
				mu.Unlock()
			}
		}()
	}
	for _, p := range paths {
		jobs <- p
	}
	close(jobs)
	wg.Wait()

	return results, firstErr
}

// verifyChecksum fails with ErrChecksumMismatch when want is set and differs.
func verifyChecksum(path, want string) error {
	if want == "" {
		return nil
	}
	got, err := ComputeChecksum(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%s: %w (got %s, want %s)", path, ErrChecksumMismatch, got, want)
	}
	return nil
}
