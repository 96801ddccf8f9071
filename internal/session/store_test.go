package session

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/orbitctl/internal/config"
	"github.com/san-kum/orbitctl/internal/correct"
	"github.com/san-kum/orbitctl/internal/hw"
	"github.com/san-kum/orbitctl/internal/lattice"
)

func testCorrector(t *testing.T) *correct.Corrector {
	t.Helper()
	model := lattice.New()
	model.Append("start", 0, nil)
	model.Append("kick1", 0, lattice.Drift(0.5))
	model.Append("monitor1", 0, lattice.Drift(1.0))
	model.Append("monitor2", 0, lattice.Drift(1.5))

	backend := hw.NewSimBackend(model, [4]float64{1e-3, 0, -1e-3, 0}, 1)
	backend.AddKicker("ax_k1", "rad", "kick1", false)
	backend.AddKicker("ay_k1", "rad", "kick1", true)
	backend.AddMonitor("monitor1")
	backend.AddMonitor("monitor2")

	cfg := &config.Correction{
		Monitors: []string{"monitor1", "monitor2"},
		Steerers: config.Steerers{
			X: []config.Steerer{{Name: "ax_k1", Element: "kick1"}},
			Y: []config.Steerer{{Name: "ay_k1", Element: "kick1"}},
		},
		Optics: []map[string]float64{
			{"ax_k1": 0},
			{"ax_k1": 1e-3},
		},
	}
	cor := correct.New(model, backend, backend.Sampler(), nil)
	if err := cor.Setup("demo", cfg, correct.ModeXY); err != nil {
		t.Fatalf("setup: %v", err)
	}
	for step := 0; step < 2; step++ {
		if err := cor.SetOptic(step); err != nil {
			t.Fatalf("set optic: %v", err)
		}
		if err := cor.AddRecord(step, 0); err != nil {
			t.Fatalf("add record: %v", err)
		}
	}
	if _, err := cor.UpdateFit(); err != nil {
		t.Fatalf("fit: %v", err)
	}
	return cor
}

func TestSaveWritesRunFiles(t *testing.T) {
	store := New(t.TempDir())
	if err := store.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	cor := testCorrector(t)

	id, err := store.Save(cor, 1, 2)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	for _, name := range []string{"metadata.json", "records.csv", "records.yaml"} {
		if _, err := os.Stat(filepath.Join(store.baseDir, id, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	meta, err := store.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if meta.Config != "demo" || meta.Mode != "xy" {
		t.Errorf("metadata = %q/%q", meta.Config, meta.Mode)
	}
	if meta.NumIgnore != 1 || meta.NumAverage != 2 {
		t.Errorf("shot counts = %d/%d", meta.NumIgnore, meta.NumAverage)
	}
	if meta.Records != len(cor.Records()) {
		t.Errorf("records = %d, want %d", meta.Records, len(cor.Records()))
	}
	if meta.Fit == nil {
		t.Error("expected a fit summary in the metadata")
	}
}

func TestYAMLExportShape(t *testing.T) {
	store := New(t.TempDir())
	cor := testCorrector(t)

	id, err := store.Save(cor, 0, 1)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(store.baseDir, id, "records.yaml"))
	if err != nil {
		t.Fatalf("read yaml: %v", err)
	}
	var doc struct {
		Records []struct {
			Optics map[string]float64     `yaml:"optics"`
			Shots  []map[string][]float64 `yaml:"shots"`
		} `yaml:"records"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(doc.Records) != 2 {
		t.Fatalf("steps = %d, want 2", len(doc.Records))
	}
	if doc.Records[1].Optics["ax_k1"] != 1e-3 {
		t.Errorf("step 1 optics = %v", doc.Records[1].Optics)
	}
	for i, step := range doc.Records {
		if len(step.Shots) != 1 {
			t.Fatalf("step %d shots = %d, want 1", i, len(step.Shots))
		}
		for _, monitors := range step.Shots {
			if len(monitors) != 2 {
				t.Errorf("step %d monitors = %d, want 2", i, len(monitors))
			}
			for name, vals := range monitors {
				if len(vals) != 4 {
					t.Errorf("%s values = %d, want posx posy envx envy", name, len(vals))
				}
			}
		}
	}
}

func TestListNewestFirstAndSkipsJunk(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	cor := testCorrector(t)

	// A stray file and a directory without metadata must not break listing.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Save(cor, 0, 1); err != nil {
		t.Fatalf("save: %v", err)
	}

	runs, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Config != "demo" {
		t.Errorf("config = %q", runs[0].Config)
	}
}

func TestListMissingBaseDir(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "nope"))
	runs, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if runs != nil {
		t.Errorf("runs = %v, want none", runs)
	}
}
