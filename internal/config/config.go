// Package config reads axindex settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/agentic-research/axindex/api"
)

// Environment variable names.
const (
	EnvRoot         = "AXINDEX_ROOT"
	EnvMetadataRoot = "AXINDEX_METADATA_ROOT"
	EnvMaxFileSize  = "AXINDEX_MAX_FILE_SIZE"
	EnvExtensions   = "AXINDEX_EXTENSIONS"
	EnvDefaultLimit = "AXINDEX_DEFAULT_LIMIT"
	EnvCacheDir     = "AXINDEX_CACHE_DIR"
	EnvLayout       = "AXINDEX_LAYOUT"
	EnvWorkers      = "AXINDEX_WORKERS"
	EnvWatch        = "AXINDEX_WATCH"
)

const (
	DefaultMaxFileSize  = 500 * 1024
	DefaultDefaultLimit = 50
)

// ErrNoRoot is returned when no packages root is configured.
var ErrNoRoot = errors.New(EnvRoot + " is required")

// Config is the process configuration. Zero numeric fields mean "use the
// default" until Load fills them in.
type Config struct {
	Root         string
	MetadataRoot string
	MaxFileSize  int64
	Extensions   []string
	DefaultLimit int
	CacheDir     string
	LayoutPath   string
	Workers      int
	Watch        bool
}

// Load reads the configuration through getenv, which is os.Getenv outside
// tests. A missing root is not an error here so flags can still supply it;
// call Validate once flags are applied.
func Load(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := &Config{
		Root:         strings.TrimSpace(getenv(EnvRoot)),
		MetadataRoot: strings.TrimSpace(getenv(EnvMetadataRoot)),
		CacheDir:     strings.TrimSpace(getenv(EnvCacheDir)),
		LayoutPath:   strings.TrimSpace(getenv(EnvLayout)),
		MaxFileSize:  DefaultMaxFileSize,
		DefaultLimit: DefaultDefaultLimit,
	}

	if v := strings.TrimSpace(getenv(EnvMaxFileSize)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s: want a positive byte count, got %q", EnvMaxFileSize, v)
		}
		c.MaxFileSize = n
	}
	if v := strings.TrimSpace(getenv(EnvDefaultLimit)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s: want a positive integer, got %q", EnvDefaultLimit, v)
		}
		c.DefaultLimit = n
	}
	if v := strings.TrimSpace(getenv(EnvWorkers)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%s: want a non-negative integer, got %q", EnvWorkers, v)
		}
		c.Workers = n
	}
	if v := strings.TrimSpace(getenv(EnvWatch)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvWatch, err)
		}
		c.Watch = b
	}
	if v := getenv(EnvExtensions); strings.TrimSpace(v) != "" {
		c.Extensions = api.NormalizeExtensions(strings.Split(v, ","))
	}
	return c, nil
}

// Validate checks the settings and fills in derived defaults. It is safe to
// call more than once.
func (c *Config) Validate() error {
	if c.Root == "" {
		return ErrNoRoot
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("root %s: %w", c.Root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("root %s: %w", c.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s: not a directory", c.Root)
	}
	c.Root = abs

	if c.MetadataRoot != "" {
		if c.MetadataRoot, err = filepath.Abs(c.MetadataRoot); err != nil {
			return fmt.Errorf("metadata root: %w", err)
		}
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = DefaultDefaultLimit
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.CacheDir == "" {
		dir, err := DefaultCacheDir(c.IndexRoot())
		if err != nil {
			return err
		}
		c.CacheDir = dir
	}
	return nil
}

// IndexRoot is the directory the builder enumerates: the metadata root if
// one is set, else the packages root.
func (c *Config) IndexRoot() string {
	if c.MetadataRoot != "" {
		return c.MetadataRoot
	}
	return c.Root
}

// Layout loads the configured layout file or the built-in default. When
// Extensions is set it replaces the layout's extension list.
func (c *Config) Layout() (*api.Layout, error) {
	var (
		l   *api.Layout
		err error
	)
	if c.LayoutPath != "" {
		if l, err = api.LoadLayout(c.LayoutPath); err != nil {
			return nil, err
		}
	} else {
		l = api.DefaultLayout()
	}
	if len(c.Extensions) > 0 {
		l.Extensions = api.NormalizeExtensions(c.Extensions)
	}
	if len(l.Extensions) == 0 {
		l.Extensions = append([]string(nil), api.DefaultExtensions...)
	}
	return l, nil
}

// DefaultCacheDir returns a per-root directory under the user cache dir, so
// two roots never share a persisted catalog.
func DefaultCacheDir(root string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locate user cache dir: %w", err)
	}
	return filepath.Join(base, "axindex", strconv.FormatUint(xxhash.Sum64String(root), 16)), nil
}
