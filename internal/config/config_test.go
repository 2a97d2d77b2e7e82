package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("default config file not written: %v", err)
	}

	if got := cfg.GetInt(KeyListenBlaze); got != 10041 {
		t.Errorf("%s = %d, want 10041", KeyListenBlaze, got)
	}
	if got := cfg.GetInt(KeyListenRedirector); got != 42127 {
		t.Errorf("%s = %d, want 42127", KeyListenRedirector, got)
	}
	if got := cfg.GetInt(KeyListenQoS); got != 3659 {
		t.Errorf("%s = %d, want 3659", KeyListenQoS, got)
	}
	if got := cfg.GetString(KeyGameName); got != "Darkspore" {
		t.Errorf("%s = %q, want Darkspore", KeyGameName, got)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `<?xml version="1.0" encoding="UTF-8"?>
<config>
  <entry key="listen.blaze" value="20041"/>
  <entry key="game.name" value="Testspore"/>
</config>
`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.GetInt(KeyListenBlaze); got != 20041 {
		t.Errorf("%s = %d, want 20041", KeyListenBlaze, got)
	}
	if got := cfg.GetString(KeyGameName); got != "Testspore" {
		t.Errorf("%s = %q, want Testspore", KeyGameName, got)
	}
	// Untouched keys keep their defaults.
	if got := cfg.GetInt(KeySessionMaxOpen); got != 8192 {
		t.Errorf("%s = %d, want 8192", KeySessionMaxOpen, got)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	dir := t.TempDir()
	content := `<config><entry key="listen.blaze" value="99999"/></config>`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("Load accepted an out-of-range port")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Set(KeyExternalHost, "203.0.113.9")
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	again, err := Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := again.GetString(KeyExternalHost); got != "203.0.113.9" {
		t.Errorf("%s = %q after reload, want 203.0.113.9", KeyExternalHost, got)
	}
}

func TestGetDuration(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.GetDuration(KeyRequestTimeoutMS).Milliseconds(); got != 10000 {
		t.Errorf("request timeout = %dms, want 10000", got)
	}
}
