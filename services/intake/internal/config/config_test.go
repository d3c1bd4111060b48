package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
port: "8090"
logLevel: "info"
workerURL: "http://worker:9000"
publicBaseURL: "http://intake:8090"
workerSecret: "0123456789abcdef0123456789abcdef"
jwtSecret: "abcdefabcdefabcdefabcdefabcdefab"
dispatchTimeout: "10s"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxUploadBytes != 20<<20 {
		t.Fatalf("maxUploadBytes = %d", cfg.MaxUploadBytes)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("maxRetries = %d, want 3", cfg.MaxRetries)
	}
	if len(cfg.AllowedMediaTypes) == 0 || cfg.AllowedMediaTypes[0] != "application/pdf" {
		t.Fatalf("unexpected media types: %v", cfg.AllowedMediaTypes)
	}
	if d, _ := ParseDuration(cfg.DispatchTimeout); d != 10*time.Second {
		t.Fatalf("dispatchTimeout = %s", d)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INTAKE_MAX_RETRIES", "5")
	t.Setenv("INTAKE_MAX_UPLOAD_BYTES", "1024")
	t.Setenv("INTAKE_ALLOWED_MEDIA_TYPES", "application/pdf, image/png")
	t.Setenv("INTAKE_DEV_MODE", "true")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("INTAKE_UPLOAD_RATE_LIMIT_PER_MINUTE", "30")

	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MaxRetries != 5 || cfg.MaxUploadBytes != 1024 || !cfg.DevMode {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.AllowedMediaTypes) != 2 || cfg.AllowedMediaTypes[1] != "image/png" {
		t.Fatalf("unexpected media types: %v", cfg.AllowedMediaTypes)
	}
	if cfg.UploadRateLimitPerMinute != 30 || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("rate limit overrides not applied: %+v", cfg)
	}
}

func TestValidateConfigRejects(t *testing.T) {
	cases := map[string]string{
		"short worker secret":      strings.Replace(baseYAML, "0123456789abcdef0123456789abcdef", "short", 1),
		"missing worker url":       strings.Replace(baseYAML, `workerURL: "http://worker:9000"`, "", 1),
		"bad duration":             strings.Replace(baseYAML, `"10s"`, `"soon"`, 1),
		"rate limit without redis": baseYAML + "uploadRateLimitPerMinute: 10\n",
		"minio without creds":      baseYAML + "minioEndpoint: \"minio:9000\"\n",
	}
	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
