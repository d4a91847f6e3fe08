package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Defaults()
	cfg.General.LogLevel = "debug"
	cfg.Platforms.WhatsApp.VerifyToken = "sesame"
	cfg.API.Port = 9090

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.General.LogLevel != "debug" {
		t.Errorf("log level = %q", loaded.General.LogLevel)
	}
	if loaded.Platforms.WhatsApp.VerifyToken != "sesame" {
		t.Errorf("verify token = %q", loaded.Platforms.WhatsApp.VerifyToken)
	}
	if loaded.API.Port != 9090 {
		t.Errorf("port = %d", loaded.API.Port)
	}
}

func TestSaveRestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	if err := Save(path, Defaults()); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}
}

func TestLoadAppliesDefaultsToSparseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"general":{"logLevel":"warn"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.LogLevel != "warn" {
		t.Errorf("log level = %q", cfg.General.LogLevel)
	}
	if cfg.Sync.IntervalSeconds != 60 || cfg.Sync.CallTimeoutSeconds != 30 || cfg.Sync.BatchLimit != 25 {
		t.Errorf("sync defaults not applied: %+v", cfg.Sync)
	}
	if cfg.API.Host != "127.0.0.1" || cfg.API.Port != 8080 {
		t.Errorf("api defaults not applied: %+v", cfg.API)
	}
	if cfg.Platforms.IMessage.ScriptTimeoutSeconds != 15 {
		t.Errorf("script timeout default not applied: %d", cfg.Platforms.IMessage.ScriptTimeoutSeconds)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{broken`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
