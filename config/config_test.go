package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beak.conf")

	cfg := New()
	cfg.Rules["work"] = Rule{
		Origin:   "/home/me/work",
		Storages: []string{"backup:work", "/mnt/usb/work"},
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	rule, ok := loaded.Rule("work")
	if !ok {
		t.Fatalf("rule work missing after round trip")
	}
	if rule.Origin != "/home/me/work" || len(rule.Storages) != 2 {
		t.Errorf("rule round-tripped as %+v", rule)
	}
}

func TestMissingFileIsEmpty(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("missing file should load empty, got %v", err)
	}
	if len(cfg.Rules) != 0 {
		t.Errorf("expected no rules, got %v", cfg.Rules)
	}
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beak.conf")
	if err := os.WriteFile(path, []byte("rules: [not: a: map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Errorf("malformed yaml should not load")
	}
}
