/*
	Reefmap
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package rmapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/joho/godotenv"
	"github.com/reefmap/reefmap/catalog"
	"go.uber.org/zap"
)

// Config describes the server configuration.
// Config values must not be copied (i.e. use pointers).
//
// Environment variables, read after an optional .env file in the
// working directory, take precedence over values in the file.
type Config struct {
	sync.RWMutex `json:"-"`

	// The listen address to bind the socket to.
	// Env: REEFMAP_LISTEN
	Listen string `json:"listen,omitempty"`

	// The folder of image files; it is the source of truth
	// for which images exist.
	// Env: REEFMAP_IMAGE_DIR or FISHES_DIR
	ImageDir string `json:"image_dir,omitempty"`

	// Where thumbnails are cached. Safe to delete.
	// Env: REEFMAP_CACHE_DIR
	CacheDir string `json:"cache_dir,omitempty"`

	// A path to a SQLite file, or a postgres:// URL.
	// Env: DATABASE_URL
	DatabaseURL string `json:"database_url,omitempty"`

	// Extra origins allowed to use the API from a browser.
	// Env: REEFMAP_ORIGINS or ALLOWED_ORIGINS (comma-separated)
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	ThumbnailMaxDimension int            `json:"thumbnail_max_dimension,omitempty"`
	MaxFileSize           int64          `json:"max_file_size,omitempty"`
	DecodeTimeout         caddy.Duration `json:"decode_timeout,omitempty"`

	// IANA zone for EXIF times of images without a position.
	DefaultTimezone string `json:"default_timezone,omitempty"`

	// Bounds parallel work such as reconcile passes and
	// thumbnail generation.
	Workers int `json:"workers,omitempty"`

	path string
	log  *zap.Logger
}

// LoadConfig reads the config file at path. A missing file at the
// default path is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{path: path}
	cfgBytes, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigFilePath() {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfgBytes, cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) fillDefaults() {
	cfg.Lock()
	defer cfg.Unlock()

	if cfg.log == nil {
		cfg.log = catalog.Log.Named("config").With(zap.Time("loaded", time.Now()))
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		cfg.log.Warn("could not load .env file", zap.Error(err))
	}

	if cfg.ThumbnailMaxDimension <= 0 {
		cfg.ThumbnailMaxDimension = defaultThumbnailMaxDimension
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.DecodeTimeout <= 0 {
		cfg.DecodeTimeout = caddy.Duration(defaultDecodeTimeout)
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	if cfg.Workers <= 0 {
		const cpuFraction = 3
		cfg.Workers = max(runtime.NumCPU()/cpuFraction, 1)
	}
}

func (cfg *Config) listenAddr() string {
	cfg.RLock()
	defer cfg.RUnlock()
	return firstNonEmpty(os.Getenv("REEFMAP_LISTEN"), cfg.Listen, defaultListenAddr)
}

func (cfg *Config) imageDir() string {
	cfg.RLock()
	defer cfg.RUnlock()
	return firstNonEmpty(os.Getenv("REEFMAP_IMAGE_DIR"), os.Getenv("FISHES_DIR"),
		cfg.ImageDir, filepath.Join(DefaultDataDir(), "fishes"))
}

func (cfg *Config) cacheDir() string {
	cfg.RLock()
	defer cfg.RUnlock()
	return firstNonEmpty(os.Getenv("REEFMAP_CACHE_DIR"), cfg.CacheDir, DefaultCacheDir())
}

func (cfg *Config) databaseURL() string {
	cfg.RLock()
	defer cfg.RUnlock()
	return firstNonEmpty(os.Getenv("DATABASE_URL"), cfg.DatabaseURL, filepath.Join(DefaultDataDir(), "reefmap.db"))
}

func (cfg *Config) allowedOrigins() []string {
	cfg.RLock()
	defer cfg.RUnlock()
	if env := firstNonEmpty(os.Getenv("REEFMAP_ORIGINS"), os.Getenv("ALLOWED_ORIGINS")); env != "" {
		var origins []string
		for _, origin := range strings.Split(env, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		return origins
	}
	return cfg.AllowedOrigins
}

// catalogOptions assembles what is needed to open the catalog.
func (cfg *Config) catalogOptions() (catalog.Options, error) {
	imageDir, cacheDir := cfg.imageDir(), cfg.cacheDir()

	cfg.RLock()
	defer cfg.RUnlock()

	zone, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return catalog.Options{}, fmt.Errorf("default timezone: %w", err)
	}
	decodeTimeout := time.Duration(cfg.DecodeTimeout)
	if env := os.Getenv("REEFMAP_DECODE_TIMEOUT"); env != "" {
		if decodeTimeout, err = caddy.ParseDuration(env); err != nil {
			return catalog.Options{}, fmt.Errorf("REEFMAP_DECODE_TIMEOUT: %w", err)
		}
	}
	maxFileSize := cfg.MaxFileSize
	if env := os.Getenv("REEFMAP_MAX_FILE_SIZE"); env != "" {
		if maxFileSize, err = strconv.ParseInt(env, 10, 64); err != nil {
			return catalog.Options{}, fmt.Errorf("REEFMAP_MAX_FILE_SIZE: %w", err)
		}
	}

	return catalog.Options{
		ImageDir: imageDir,
		CacheDir: cacheDir,
		Extractor: catalog.Extractor{
			MaxFileSize: maxFileSize,
			Timeout:     decodeTimeout,
			DefaultZone: zone,
		},
		Thumbnails: catalog.ThumbnailOptions{
			MaxDimension: cfg.ThumbnailMaxDimension,
			Workers:      cfg.Workers,
		},
		Workers: cfg.Workers,
	}, nil
}

// openCatalog opens the store and the catalog described by cfg.
func (cfg *Config) openCatalog(ctx context.Context) (*catalog.Catalog, error) {
	opts, err := cfg.catalogOptions()
	if err != nil {
		return nil, err
	}
	store, err := catalog.OpenStore(ctx, cfg.databaseURL())
	if err != nil {
		return nil, err
	}
	opts.Store = store
	cat, err := catalog.Open(opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	return cat, nil
}

// autosave persists the config to disk by obtaining a read lock, so it is safe for concurrent use.
func (cfg *Config) autosave() error {
	cfg.RLock()
	defer cfg.RUnlock()
	return cfg.unsyncedSave()
}

func (cfg *Config) unsyncedSave() error {
	filename := firstNonEmpty(cfg.path, DefaultConfigFilePath())
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	cfgFile, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer cfgFile.Close()
	enc := json.NewEncoder(cfgFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if cfg.log != nil {
		cfg.log.Info("saved config file", zap.String("path", filename))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// DefaultConfigFilePath returns the file path where
// configuration is persisted.
func DefaultConfigFilePath() string {
	return filepath.Join(DefaultDataDir(), "config.json")
}

// DefaultDataDir returns the folder for the config file and,
// unless configured otherwise, the database and images.
func DefaultDataDir() string {
	cfgDir, err := os.UserConfigDir()
	if err == nil {
		return filepath.Join(cfgDir, "reefmap")
	}
	cfgDir, err = os.UserHomeDir()
	if err == nil {
		return filepath.Join(cfgDir, ".reefmap")
	}
	return ".reefmap"
}

// DefaultCacheDir returns the file path where
// a local application cache is persisted.
func DefaultCacheDir() string {
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		return filepath.Join(cacheDir, "reefmap")
	}
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(homeDir, ".reefmap", "cache")
	}
	return filepath.Join(".reefmap", "cache")
}

const (
	defaultListenAddr            = "127.0.0.1:12003"
	defaultThumbnailMaxDimension = 400
	defaultMaxFileSize           = 64 << 20
	defaultDecodeTimeout         = 30 * time.Second
)
