package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultFileName is looked up in the working directory when no path is given.
const DefaultFileName = "bgremove.toml"

// Service describes the remote background-removal service.
type Service struct {
	BaseURL               string `toml:"base_url"`
	APIToken              string `toml:"api_token"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Export controls where downloaded results are written.
type Export struct {
	Dir      string `toml:"dir"`
	Filename string `toml:"filename"`
}

// Workflow tunes controller behaviour.
type Workflow struct {
	StrictDownload      bool `toml:"strict_download"`
	PreviewMaxDimension int  `toml:"preview_max_dimension"`
}

// Server configures the local API.
type Server struct {
	Addr                   string `toml:"addr"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
	MaxUploadBytes         int64  `toml:"max_upload_bytes"`
	SessionTTLMinutes      int    `toml:"session_ttl_minutes"`
}

// Auth holds the bearer token settings of the local API.
type Auth struct {
	JWTSecret   string `toml:"jwt_secret"`
	JWTAudience string `toml:"jwt_audience"`
}

// Cache enables the Redis result cache when RedisAddr is set.
type Cache struct {
	RedisAddr  string `toml:"redis_addr"`
	TTLMinutes int    `toml:"ttl_minutes"`
}

// History enables action history when DatabaseDSN is set.
type History struct {
	DatabaseDSN string `toml:"database_dsn"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Config is the full bgremove configuration.
type Config struct {
	Service  Service  `toml:"service"`
	Export   Export   `toml:"export"`
	Workflow Workflow `toml:"workflow"`
	Server   Server   `toml:"server"`
	Auth     Auth     `toml:"auth"`
	Cache    Cache    `toml:"cache"`
	History  History  `toml:"history"`
	Log      Log      `toml:"log"`
}

// Load reads the TOML file at path when it exists, applies environment
// overrides, and validates the result. An empty path falls back to
// DefaultFileName in the working directory. The returned bool reports whether
// a file was read.
func Load(path string) (*Config, bool, error) {
	cfg := Default()

	resolved, exists, err := resolvePath(path)
	if err != nil {
		return nil, false, err
	}

	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, false, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, false, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return &cfg, exists, nil
}

func resolvePath(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultFileName
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return abs, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", abs)
	}
	return abs, true, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := []struct {
		key    string
		target *string
	}{
		{"BGREMOVE_SERVICE_URL", &c.Service.BaseURL},
		{"BGREMOVE_SERVICE_TOKEN", &c.Service.APIToken},
		{"BGREMOVE_EXPORT_DIR", &c.Export.Dir},
		{"BGREMOVE_EXPORT_FILENAME", &c.Export.Filename},
		{"BGREMOVE_ADDR", &c.Server.Addr},
		{"JWT_SECRET", &c.Auth.JWTSecret},
		{"JWT_AUDIENCE", &c.Auth.JWTAudience},
		{"REDIS_ADDR", &c.Cache.RedisAddr},
		{"DATABASE_DSN", &c.History.DatabaseDSN},
		{"LOG_LEVEL", &c.Log.Level},
	}
	for _, s := range strs {
		if value, ok := lookup(s.key); ok {
			*s.target = value
		}
	}

	if value, ok := lookup("BGREMOVE_REQUEST_TIMEOUT"); ok {
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("BGREMOVE_REQUEST_TIMEOUT: %w", err)
		}
		c.Service.RequestTimeoutSeconds = seconds
	}
	if value, ok := lookup("BGREMOVE_STRICT_DOWNLOAD"); ok {
		strict, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("BGREMOVE_STRICT_DOWNLOAD: %w", err)
		}
		c.Workflow.StrictDownload = strict
	}
	return nil
}

func (c *Config) normalize() {
	c.Service.BaseURL = strings.TrimSpace(c.Service.BaseURL)
	c.Export.Dir = strings.TrimSpace(c.Export.Dir)
	if c.Export.Dir == "" {
		c.Export.Dir = defaultExportDir
	}
	c.Export.Filename = strings.TrimSpace(c.Export.Filename)
	if c.Export.Filename == "" {
		c.Export.Filename = defaultExportFilename
	}
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	c.Cache.RedisAddr = strings.TrimSpace(c.Cache.RedisAddr)
	c.History.DatabaseDSN = strings.TrimSpace(c.History.DatabaseDSN)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Workflow.PreviewMaxDimension == 0 {
		c.Workflow.PreviewMaxDimension = defaultPreviewMaxDimension
	}
}

// RequestTimeout returns the per-call deadline for remote operations. Zero
// means no deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Service.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown of the local API.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// SessionTTL is how long an idle session is kept.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Server.SessionTTLMinutes) * time.Minute
}

// CacheTTL is the lifetime of cached results.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMinutes) * time.Minute
}
