// Package config loads and saves named correction configurations.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Steerer binds a knob name to the lattice element it kicks at.
type Steerer struct {
	Name    string `yaml:"name"`
	Element string `yaml:"element"`
}

type Steerers struct {
	X []Steerer `yaml:"x"`
	Y []Steerer `yaml:"y"`
}

// TargetSpec is the desired readout at a monitor element. A nil axis is
// inactive for the correction.
type TargetSpec struct {
	X *float64 `yaml:"x,omitempty"`
	Y *float64 `yaml:"y,omitempty"`
}

// Correction is one named correction configuration: which monitors to read,
// which steerers to vary, the targets to steer to, and the optic steps the
// acquisition walks through.
type Correction struct {
	Monitors []string              `yaml:"monitors"`
	Steerers Steerers              `yaml:"steerers"`
	Targets  map[string]TargetSpec `yaml:"targets"`
	Optics   []map[string]float64  `yaml:"optics"`
	Method   string                `yaml:"method,omitempty"`
}

type File struct {
	Corrections map[string]*Correction `yaml:"corrections"`
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}

func Save(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Get looks up a configuration by name.
func (f *File) Get(name string) (*Correction, error) {
	c, ok := f.Corrections[name]
	if !ok {
		return nil, fmt.Errorf("config: unknown configuration %q", name)
	}
	return c, nil
}

// Names lists the configuration names in stable order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Corrections))
	for name := range f.Corrections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ptr(v float64) *float64 { return &v }

// Default returns the sample configuration matching the built-in demo
// lattice and sim backend.
func Default() *File {
	return &File{
		Corrections: map[string]*Correction{
			"demoline": {
				Monitors: []string{"monitor1", "monitor2"},
				Steerers: Steerers{
					X: []Steerer{{Name: "ax_k1", Element: "kick1"}},
					Y: []Steerer{{Name: "ay_k1", Element: "kick1"}},
				},
				Targets: map[string]TargetSpec{
					"monitor2": {X: ptr(0), Y: ptr(0)},
				},
				Optics: []map[string]float64{
					{"ax_k1": 0.0, "ay_k1": 0.0},
					{"ax_k1": 1e-3, "ay_k1": 0.0},
					{"ax_k1": 0.0, "ay_k1": 1e-3},
				},
				Method: "tm",
			},
		},
	}
}
