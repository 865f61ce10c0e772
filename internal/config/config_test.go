package config

import (
	"os"
	"path/filepath"
	"testing"

	"cdn-log-anonymizer/pkg/types"
)

func validConfig() *types.Config {
	cfg := &types.Config{}
	applyDefaults(cfg)
	cfg.Secrets.TimeShiftDays = 90
	cfg.Secrets.Xyte = 1.5
	cfg.CacheName = "cache01"
	cfg.PopName = "pop01"
	return cfg
}

func TestValidateAcceptsDefaultedConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestValidateRejectsNonPositiveTimeShiftDays(t *testing.T) {
	cfg := validConfig()
	cfg.Secrets.TimeShiftDays = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for timeshiftdays=0")
	}
}

func TestValidateRejectsMissingCacheName(t *testing.T) {
	cfg := validConfig()
	cfg.CacheName = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for missing cachename")
	}
}

func TestValidateRejectsBadColumnLayout(t *testing.T) {
	cfg := validConfig()
	cfg.CSV.ColumnLayout = "30"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for unsupported column layout")
	}
}

func TestLoadSecretsINI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.ini")
	content := "[secrets]\ntimeshiftdays = 45\nxyte = 2.75\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &types.Config{}
	if err := loadSecrets(path, cfg); err != nil {
		t.Fatalf("loadSecrets: %v", err)
	}
	if cfg.Secrets.TimeShiftDays != 45 {
		t.Errorf("TimeShiftDays = %d, want 45", cfg.Secrets.TimeShiftDays)
	}
	if cfg.Secrets.Xyte != 2.75 {
		t.Errorf("Xyte = %v, want 2.75", cfg.Secrets.Xyte)
	}
}

func TestApplyDefaultsIsIdempotent(t *testing.T) {
	cfg := &types.Config{}
	applyDefaults(cfg)
	first := cfg.Pipeline.NProc
	applyDefaults(cfg)
	if cfg.Pipeline.NProc != first {
		t.Errorf("applyDefaults changed an already-defaulted value: %d -> %d", first, cfg.Pipeline.NProc)
	}
}

func TestApplyCLIOverrides(t *testing.T) {
	cfg := validConfig()
	unlimited := -1

	applyCLIOverrides(cfg, CLIArgs{
		NProc:     8,
		CacheSize: 0, // left at default
		MaxLines:  &unlimited,
		Delimiter: ";",
	})

	if cfg.Pipeline.NProc != 8 {
		t.Errorf("NProc = %d, want 8", cfg.Pipeline.NProc)
	}
	if cfg.Pipeline.CacheSize != 10000 {
		t.Errorf("CacheSize should be untouched by a zero override, got %d", cfg.Pipeline.CacheSize)
	}
	if cfg.Pipeline.MaxLines != -1 {
		t.Errorf("MaxLines = %d, want -1", cfg.Pipeline.MaxLines)
	}
	if cfg.CSV.Delimiter != ";" {
		t.Errorf("Delimiter = %q, want %q", cfg.CSV.Delimiter, ";")
	}
}
