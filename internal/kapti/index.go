package kapti

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	indexName    = "repo-index.json"
	indexNameZst = "repo-index.json.zst"
)

// zstdMagic opens every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// RepoEntry represents a single package in the repository index.
type RepoEntry struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Revision    string   `json:"revision"`
	Arch        string   `json:"arch"`
	Filename    string   `json:"filename"`
	Size        int64    `json:"size"`
	B3Sum       string   `json:"b3sum"`
	Depends     []string `json:"depends,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	Description string   `json:"description,omitempty"`
	Section     string   `json:"section,omitempty"`
	Homepage    string   `json:"homepage,omitempty"`
}

// FullVersion is the version string recorded for an installed package.
func (e RepoEntry) FullVersion() string {
	if e.Revision == "" {
		return e.Version
	}
	return e.Version + "-" + e.Revision
}

// ParseRepoIndex reads the index from JSON data, zstd-compressed or not.
func ParseRepoIndex(data []byte) ([]RepoEntry, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress index: %w", err)
		}
	}
	var index []RepoEntry
	if len(bytes.TrimSpace(data)) == 0 {
		return index, nil
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return index, nil
}

// loadCachedIndex reads the cached index, keeping the newest entry per name
// for the given architecture. A missing cache is an empty index.
func loadCachedIndex(cacheDir, arch string) (map[string]RepoEntry, error) {
	out := make(map[string]RepoEntry)
	var data []byte
	var err error
	for _, name := range []string{indexName, indexNameZst} {
		data, err = os.ReadFile(filepath.Join(cacheDir, name))
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err != nil {
		debugf("no cached index in %s\n", cacheDir)
		return out, nil
	}

	entries, err := ParseRepoIndex(data)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		if e.Arch != "" && arch != "" && e.Arch != arch && e.Arch != "any" {
			continue
		}
		if cur, ok := out[e.Name]; ok && !isNewer(e, cur) {
			continue
		}
		out[e.Name] = e
	}
	return out, nil
}

// isNewer returns true if a is newer than b.
func isNewer(a, b RepoEntry) bool {
	cmp := compareVersions(a.Version, b.Version)
	if cmp > 0 {
		return true
	}
	if cmp < 0 {
		return false
	}
	// Revisions
	ar, _ := strconv.Atoi(a.Revision)
	br, _ := strconv.Atoi(b.Revision)
	return ar > br
}

func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := max(len(as), len(bs))
	for i := 0; i < n; i++ {
		av, bv := "0", "0"
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}

		// Try numeric compare
		ai, aerr := strconv.Atoi(av)
		bi, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
			continue
		}
		// Fallback string compare
		if c := strings.Compare(av, bv); c != 0 {
			return c
		}
	}
	return 0
}
