package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("LANDING_TEST_HOST", "db.internal")

	tests := []struct {
		in   string
		want string
	}{
		{"host: ${LANDING_TEST_HOST}", "host: db.internal"},
		{"host: ${LANDING_TEST_HOST:localhost}", "host: db.internal"},
		{"port: ${LANDING_TEST_MISSING:5432}", "port: 5432"},
		{"key: ${LANDING_TEST_MISSING:}", "key: "},
		{"raw: ${LANDING_TEST_MISSING}", "raw: ${LANDING_TEST_MISSING}"},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in); got != tt.want {
			t.Fatalf("expandEnv(%q): got %q want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadFromAppliesDefaultsAndOverlay(t *testing.T) {
	dir := t.TempDir()
	base := "app:\n  name: landing-test\nbatch:\n  max_attempts: 5\n"
	overlay := "batch:\n  backoff_step: 1s\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(base), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.test.yaml"), []byte(overlay), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APP_ENV", "test")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.App.Name != "landing-test" {
		t.Fatalf("app.name: got %q", cfg.App.Name)
	}
	if cfg.Batch.MaxAttempts != 5 || cfg.Batch.BackoffStep != time.Second {
		t.Fatalf("batch: got %+v", cfg.Batch)
	}
	if cfg.Batch.ConcurrencyLimit != 2 || cfg.History.LocalCapacity != 10 {
		t.Fatalf("defaults not applied: batch=%+v history=%+v", cfg.Batch, cfg.History)
	}
}

func TestLoadFromMissingBaseFails(t *testing.T) {
	if _, err := LoadFrom(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing config.yaml")
	}
}
