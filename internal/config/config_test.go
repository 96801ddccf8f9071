package config

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrections.yaml")

	if err := Save(path, Default()); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	c, err := loaded.Get("demoline")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(c.Monitors) != 2 {
		t.Errorf("monitors = %d, want 2", len(c.Monitors))
	}
	if len(c.Optics) != 3 {
		t.Errorf("optic steps = %d, want 3", len(c.Optics))
	}
	if len(c.Steerers.X) != 1 || len(c.Steerers.Y) != 1 {
		t.Error("steerer lists did not survive the round trip")
	}

	tgt, ok := c.Targets["monitor2"]
	if !ok {
		t.Fatal("target for monitor2 missing")
	}
	if tgt.X == nil || *tgt.X != 0 {
		t.Error("target x should be an explicit zero, not unset")
	}
}

func TestGetUnknown(t *testing.T) {
	if _, err := Default().Get("nope"); err == nil {
		t.Error("expected error for unknown configuration name")
	}
}

func TestNamesSorted(t *testing.T) {
	f := &File{Corrections: map[string]*Correction{
		"zeta": {}, "alpha": {}, "mid": {},
	}}
	names := f.Names()
	if len(names) != 3 || names[0] != "alpha" || names[2] != "zeta" {
		t.Errorf("names = %v, want sorted order", names)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
