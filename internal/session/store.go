// Package session persists acquisition runs: metadata, the raw record
// table, and an operator-readable YAML export of the shots.
package session

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/orbitctl/internal/correct"
	"github.com/san-kum/orbitctl/internal/orbit"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type FitSummary struct {
	X          float64 `json:"x"`
	PX         float64 `json:"px"`
	Y          float64 `json:"y"`
	PY         float64 `json:"py"`
	ChiSquared float64 `json:"chi_squared"`
	Singular   bool    `json:"singular"`
}

type Metadata struct {
	ID         string      `json:"id"`
	Config     string      `json:"config"`
	Mode       string      `json:"mode"`
	Timestamp  time.Time   `json:"timestamp"`
	NumIgnore  int         `json:"num_ignore"`
	NumAverage int         `json:"num_average"`
	Records    int         `json:"records"`
	Fit        *FitSummary `json:"fit,omitempty"`
}

// Save writes one completed (or cancelled) acquisition under a fresh run id.
func (s *Store) Save(cor *correct.Corrector, numIgnore, numAverage int) (string, error) {
	id := fmt.Sprintf("%s_%d", cor.Name(), time.Now().Unix())
	runDir := filepath.Join(s.baseDir, id)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	meta := Metadata{
		ID:         id,
		Config:     cor.Name(),
		Mode:       cor.Mode().String(),
		Timestamp:  time.Now(),
		NumIgnore:  numIgnore,
		NumAverage: numAverage,
		Records:    len(cor.Records()),
		Fit:        fitSummary(cor.FitResults()),
	}
	if err := writeJSON(filepath.Join(runDir, "metadata.json"), meta); err != nil {
		return "", err
	}
	if err := writeRecordsCSV(filepath.Join(runDir, "records.csv"), cor.Records()); err != nil {
		return "", err
	}
	if err := writeRecordsYAML(filepath.Join(runDir, "records.yaml"), cor.Records()); err != nil {
		return "", err
	}
	return id, nil
}

func fitSummary(out *orbit.FitOutcome) *FitSummary {
	if out == nil {
		return nil
	}
	return &FitSummary{
		X: out.X[0], PX: out.X[1], Y: out.X[2], PY: out.X[3],
		ChiSquared: out.ChiSquared,
		Singular:   out.Singular,
	}
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRecordsCSV(path string, records []correct.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"step", "shot", "monitor", "posx", "posy", "envx", "envy"}); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			strconv.Itoa(r.Step),
			strconv.Itoa(r.Shot),
			r.Monitor,
			formatFloat(r.Readout.PosX),
			formatFloat(r.Readout.PosY),
			formatFloat(r.Readout.EnvX),
			formatFloat(r.Readout.EnvY),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

type yamlStep struct {
	Optics map[string]float64     `yaml:"optics"`
	Shots  []map[string][]float64 `yaml:"shots"`
}

// writeRecordsYAML groups the records per optic step and shot, in the shape
// operators read back into offline analysis.
func writeRecordsYAML(path string, records []correct.Record) error {
	bySteps := make(map[int][]correct.Record)
	for _, r := range records {
		bySteps[r.Step] = append(bySteps[r.Step], r)
	}
	steps := make([]int, 0, len(bySteps))
	for s := range bySteps {
		steps = append(steps, s)
	}
	sort.Ints(steps)

	out := make([]yamlStep, 0, len(steps))
	for _, s := range steps {
		recs := bySteps[s]
		byShot := make(map[int]map[string][]float64)
		for _, r := range recs {
			if byShot[r.Shot] == nil {
				byShot[r.Shot] = make(map[string][]float64)
			}
			byShot[r.Shot][r.Monitor] = []float64{
				r.Readout.PosX, r.Readout.PosY, r.Readout.EnvX, r.Readout.EnvY,
			}
		}
		shots := make([]int, 0, len(byShot))
		for sh := range byShot {
			shots = append(shots, sh)
		}
		sort.Ints(shots)

		step := yamlStep{Optics: recs[0].Optics}
		for _, sh := range shots {
			step.Shots = append(step.Shots, byShot[sh])
		}
		out = append(out, step)
	}

	data, err := yaml.Marshal(map[string]any{"records": out})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// List returns the metadata of every saved run, newest first.
func (s *Store) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var runs []Metadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.Load(e.Name())
		if err != nil {
			continue
		}
		runs = append(runs, meta)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Timestamp.After(runs[j].Timestamp)
	})
	return runs, nil
}

func (s *Store) Load(id string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(filepath.Join(s.baseDir, id, "metadata.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}
