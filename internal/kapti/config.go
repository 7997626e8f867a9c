package kapti

import (
	"bufio"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Config struct
type Config struct {
	Values map[string]string
}

const defaultPollInterval = 20 * time.Millisecond

// LoadConfig reads /etc/kapti.conf (or $KAPTI_CONFIG), merges the
// KAPTI_* environment on top and applies defaults.
func LoadConfig() (*Config, error) {
	path := ConfigFile
	if p := os.Getenv("KAPTI_CONFIG"); p != "" {
		path = p
	}
	cfg, err := loadConfig(path)
	initConfig(cfg)
	return cfg, err
}

// Load the config file; a missing file is not an error
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge KAPTI_* env overrides
	mergeEnvOverrides(cfg)

	return cfg, nil
}

// Merge KAPTI_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "KAPTI_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) {
	if cfg.Values["KAPTI_ROOT"] == "" {
		cfg.Values["KAPTI_ROOT"] = "/"
	}
	if cfg.Values["KAPTI_CACHE_DIR"] == "" {
		cfg.Values["KAPTI_CACHE_DIR"] = "/var/cache/kapti"
	}
	if cfg.Values["KAPTI_ELEVATE"] == "" {
		cfg.Values["KAPTI_ELEVATE"] = "sudo"
	}
	if _, ok := cfg.Values["KAPTI_TRIGGERS"]; !ok {
		cfg.Values["KAPTI_TRIGGERS"] = "ldconfig"
	}
	Debug = cfg.Values["KAPTI_DEBUG"] == "1"
}

// Root is the directory packages are installed into.
func (c *Config) Root() string {
	if r := c.Values["KAPTI_ROOT"]; r != "" {
		return r
	}
	return "/"
}

// DBDir holds the installed-package database.
func (c *Config) DBDir() string {
	if d := c.Values["KAPTI_DB_DIR"]; d != "" {
		return d
	}
	return filepath.Join(c.Root(), "var", "db", "kapti")
}

func (c *Config) CacheDir() string {
	if d := c.Values["KAPTI_CACHE_DIR"]; d != "" {
		return d
	}
	return "/var/cache/kapti"
}

// Mirror returns the package mirror without a trailing slash.
func (c *Config) Mirror() string {
	return strings.TrimRight(c.Values["KAPTI_MIRROR"], "/")
}

// SocketDir is where progress endpoints are bound.
func (c *Config) SocketDir() string {
	if d := c.Values["KAPTI_SOCKET_DIR"]; d != "" {
		return d
	}
	return os.TempDir()
}

// PollInterval is the delay between two runner ticks.
func (c *Config) PollInterval() time.Duration {
	if v := c.Values["KAPTI_POLL_INTERVAL"]; v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		debugf("ignoring invalid KAPTI_POLL_INTERVAL %q\n", v)
	}
	return defaultPollInterval
}

// ElevateCommand returns the elevation helper argv, or nil when the helper
// must be started directly.
func (c *Config) ElevateCommand() []string {
	v := strings.TrimSpace(c.Values["KAPTI_ELEVATE"])
	if v == "" || v == "none" {
		return nil
	}
	return strings.Fields(v)
}

// Triggers lists the system triggers run after every commit.
func (c *Config) Triggers() []string {
	var out []string
	for _, t := range strings.Split(c.Values["KAPTI_TRIGGERS"], ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Arch returns the current system architecture, normalized (e.g., x86_64, aarch64).
func (c *Config) Arch() string {
	a := c.Values["KAPTI_ARCH"]
	if a == "" {
		out, err := exec.Command("uname", "-m").Output()
		if err == nil {
			a = strings.TrimSpace(string(out))
		} else {
			a = runtime.GOARCH
		}
	}
	switch a {
	case "amd64":
		a = "x86_64"
	case "arm64":
		a = "aarch64"
	}
	return a
}
