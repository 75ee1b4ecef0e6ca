package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/example/bg-remover/internal/config"
)

var envKeys = []string{
	"BGREMOVE_SERVICE_URL", "BGREMOVE_SERVICE_TOKEN", "BGREMOVE_REQUEST_TIMEOUT",
	"BGREMOVE_EXPORT_DIR", "BGREMOVE_EXPORT_FILENAME", "BGREMOVE_STRICT_DOWNLOAD",
	"BGREMOVE_ADDR", "JWT_SECRET", "JWT_AUDIENCE", "REDIS_ADDR", "DATABASE_DSN", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bgremove.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, exists, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent")
	}
	if cfg.Service.BaseURL != "http://localhost:5000" {
		t.Fatalf("unexpected base url: %q", cfg.Service.BaseURL)
	}
	if cfg.Export.Filename != "background_removed.png" {
		t.Fatalf("unexpected export filename: %q", cfg.Export.Filename)
	}
	if cfg.Workflow.StrictDownload {
		t.Fatal("expected lenient download by default")
	}
	if cfg.RequestTimeout() != time.Minute {
		t.Fatalf("unexpected request timeout: %s", cfg.RequestTimeout())
	}
	if cfg.Server.MaxUploadBytes != 10<<20 {
		t.Fatalf("unexpected max upload: %d", cfg.Server.MaxUploadBytes)
	}
	if err := cfg.RequireJWTSecret(); err == nil {
		t.Fatal("expected missing jwt secret to be reported")
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[service]
base_url = "https://remover.internal:8443/api"
request_timeout_seconds = 5

[export]
dir = "/tmp/out"

[workflow]
strict_download = true

[cache]
redis_addr = "redis:6379"
`)
	t.Setenv("BGREMOVE_SERVICE_TOKEN", "svc-token")
	t.Setenv("BGREMOVE_REQUEST_TIMEOUT", "0")
	t.Setenv("JWT_SECRET", "secret")

	cfg, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be read")
	}
	if cfg.Service.BaseURL != "https://remover.internal:8443/api" || cfg.Service.APIToken != "svc-token" {
		t.Fatalf("unexpected service config: %+v", cfg.Service)
	}
	if cfg.RequestTimeout() != 0 {
		t.Fatalf("expected env to disable the timeout, got %s", cfg.RequestTimeout())
	}
	if !cfg.Workflow.StrictDownload || cfg.Export.Dir != "/tmp/out" {
		t.Fatalf("unexpected workflow/export config: %+v %+v", cfg.Workflow, cfg.Export)
	}
	if cfg.Cache.RedisAddr != "redis:6379" {
		t.Fatalf("unexpected redis addr: %q", cfg.Cache.RedisAddr)
	}
	if err := cfg.RequireJWTSecret(); err != nil {
		t.Fatalf("expected jwt secret from env, got %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"non-http url":     "[service]\nbase_url = \"ftp://example.com\"\n",
		"relative url":     "[service]\nbase_url = \"/upload\"\n",
		"negative timeout": "[service]\nrequest_timeout_seconds = -1\n",
		"filename path":    "[export]\nfilename = \"../escape.png\"\n",
		"unknown key":      "[service]\nbase_uri = \"http://localhost\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			if _, _, err := config.Load(writeConfig(t, content)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadRejectsBadEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("BGREMOVE_STRICT_DOWNLOAD", "sometimes")

	_, _, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil || !strings.Contains(err.Error(), "BGREMOVE_STRICT_DOWNLOAD") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestDefaultRoundTripsThroughTOML(t *testing.T) {
	clearEnv(t)
	data, err := toml.Marshal(config.Default())
	if err != nil {
		t.Fatalf("marshal default config: %v", err)
	}

	cfg, _, err := config.Load(writeConfig(t, string(data)))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.CacheTTL() != 30*time.Minute || cfg.SessionTTL() != time.Hour {
		t.Fatalf("unexpected server/cache config: %+v %+v", cfg.Server, cfg.Cache)
	}
}
