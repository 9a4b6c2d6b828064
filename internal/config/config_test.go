package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Empty()

	if cfg.GetDatabasePath() != "data/runs.db" {
		t.Errorf("GetDatabasePath() = %s", cfg.GetDatabasePath())
	}
	if cfg.GetFilterFrequency() != 15 {
		t.Errorf("GetFilterFrequency() = %f, want 15", cfg.GetFilterFrequency())
	}
	if cfg.GetBumpLength() != 1.0 {
		t.Errorf("GetBumpLength() = %f, want 1.0", cfg.GetBumpLength())
	}
	if cfg.GetPavilionLength() != 32.0 {
		t.Errorf("GetPavilionLength() = %f, want 32.0", cfg.GetPavilionLength())
	}
	if cfg.GetMaxTimeShiftError() != 0.2 {
		t.Errorf("GetMaxTimeShiftError() = %f, want 0.2", cfg.GetMaxTimeShiftError())
	}
}

func TestLoadPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"database_path": "/var/bikedaq/runs.db", "filter_frequency": 30}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GetDatabasePath() != "/var/bikedaq/runs.db" {
		t.Errorf("GetDatabasePath() = %s", cfg.GetDatabasePath())
	}
	if cfg.GetFilterFrequency() != 30 {
		t.Errorf("GetFilterFrequency() = %f, want 30", cfg.GetFilterFrequency())
	}
	// omitted fields keep their defaults
	if cfg.GetBumpLength() != 1.0 {
		t.Errorf("GetBumpLength() = %f, want 1.0", cfg.GetBumpLength())
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"bump_length": -2}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected an error for a negative bump length")
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected an error for a non-json extension")
	}
}

// FilterFrequency zero is a meaningful override: it disables filtering.
func TestZeroFilterFrequency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"filter_frequency": 0}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GetFilterFrequency() != 0 {
		t.Errorf("GetFilterFrequency() = %f, want 0", cfg.GetFilterFrequency())
	}
}
