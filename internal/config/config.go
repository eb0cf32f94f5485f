// Package config loads and validates tusdrop's TOML configuration
// file, collecting every problem in one pass rather than failing on
// the first.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// LocalStorage is the [local_storage] table.
type LocalStorage struct {
	BasePath string `toml:"base_path"`
}

// S3Storage is the [s3_storage] table.
type S3Storage struct {
	BucketName      string `toml:"bucket_name"`
	EndpointURL     string `toml:"endpoint_url"`
	RegionName      string `toml:"region_name"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	SearchScanLimit int    `toml:"search_scan_limit"`
}

// Tus is the [tus] table.
type Tus struct {
	MaxSize          int64  `toml:"max_size"`
	ExpirationPeriod int64  `toml:"expiration_period"`
	FilesDir         string `toml:"files_dir"`
	Prefix           string `toml:"prefix"`
}

// API is the [api] table.
type API struct {
	Prefix      string   `toml:"prefix"`
	CORSOrigins []string `toml:"cors_origins"`
	CORSHeaders []string `toml:"cors_headers"`
}

// Logging is the [logging] table.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Webhooks is the [webhooks] table.
type Webhooks struct {
	URL string `toml:"url"`
}

// Audit is the [audit] table, configuring the optional Postgres-backed
// lifecycle audit trail.
type Audit struct {
	DatabaseURL string `toml:"database_url"`
}

// Auth is the [auth] table backing the default bcrypt bearer-token
// predicate; left empty, auth.New returns an
// always-allow predicate.
type Auth struct {
	BearerTokenHash string `toml:"bearer_token_hash"`
}

// Config is the document's top-level keys plus its nested tables.
type Config struct {
	AppName     string `toml:"app_name"`
	Debug       bool   `toml:"debug"`
	StorageType string `toml:"storage_type"`
	ListenAddr  string `toml:"listen_addr"`

	LocalStorage LocalStorage `toml:"local_storage"`
	S3Storage    S3Storage    `toml:"s3_storage"`
	Tus          Tus          `toml:"tus"`
	API          API          `toml:"api"`
	Logging      Logging      `toml:"logging"`
	Webhooks     Webhooks     `toml:"webhooks"`
	Audit        Audit        `toml:"audit"`
	Auth         Auth         `toml:"auth"`
}

const (
	defaultMaxSize          = 1 << 30 // 1 GiB
	defaultExpirationPeriod = 86400
	defaultSearchScanLimit  = 10000
	defaultAPIPrefix        = "/api"
	defaultTusPrefix        = "files"
	defaultRegion           = "us-east-1"
)

// applyDefaults fills in the documented option defaults.
func (c *Config) applyDefaults() {
	if c.Tus.MaxSize == 0 {
		c.Tus.MaxSize = defaultMaxSize
	}
	if c.Tus.ExpirationPeriod == 0 {
		c.Tus.ExpirationPeriod = defaultExpirationPeriod
	}
	if c.Tus.Prefix == "" {
		c.Tus.Prefix = defaultTusPrefix
	}
	if c.API.Prefix == "" {
		c.API.Prefix = defaultAPIPrefix
	}
	if c.S3Storage.RegionName == "" {
		c.S3Storage.RegionName = defaultRegion
	}
	if c.S3Storage.SearchScanLimit == 0 {
		c.S3Storage.SearchScanLimit = defaultSearchScanLimit
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
}

// ValidationError collects every problem found in a config document so
// an operator sees all of them in one pass, not one restart at a time.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %d problem(s):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

func (c *Config) validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.StorageType {
	case "local":
		if c.LocalStorage.BasePath == "" {
			add("local_storage.base_path is required when storage_type = \"local\"")
		}
	case "s3":
		if c.S3Storage.BucketName == "" {
			add("s3_storage.bucket_name is required when storage_type = \"s3\"")
		}
	default:
		add("storage_type must be \"local\" or \"s3\", got %q", c.StorageType)
	}

	if c.Tus.FilesDir == "" {
		add("tus.files_dir is required")
	}
	if c.Tus.MaxSize <= 0 {
		add("tus.max_size must be positive")
	}
	if c.Tus.ExpirationPeriod <= 0 {
		add("tus.expiration_period must be positive")
	}

	switch strings.ToUpper(c.Logging.Level) {
	case "", "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		add("logging.level must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL, got %q", c.Logging.Level)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Load decodes path as TOML into a Config, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
