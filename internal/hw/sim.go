package hw

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/san-kum/orbitctl/internal/lattice"
)

// SimBackend is an in-process stand-in for the accelerator control system.
// It owns a lattice model and an injected orbit, propagates the beam through
// bound steerer kicks, and publishes monitor frames at its own sample rate
// so that consecutive reads may legitimately repeat.
type SimBackend struct {
	model *lattice.LinearModel
	init  [4]float64

	knobs   map[string]float64 // committed values, lower-cased names
	meta    []Knob
	pending map[string]float64

	kickers  map[string]kickerBinding
	monitors []string
	failing  map[string]bool

	Jitter       float64
	SamplePeriod time.Duration
	Envelope     float64

	rng        *rand.Rand
	frame      map[string]MonitorReadout
	lastSample time.Time
}

type kickerBinding struct {
	element string
	axis    int // 1 = px, 3 = py
}

func NewSimBackend(model *lattice.LinearModel, init [4]float64, seed int64) *SimBackend {
	return &SimBackend{
		model:    model,
		init:     init,
		knobs:    make(map[string]float64),
		pending:  make(map[string]float64),
		kickers:  make(map[string]kickerBinding),
		failing:  make(map[string]bool),
		Envelope: 1.0,
		rng:      rand.New(rand.NewSource(seed)),
		frame:    make(map[string]MonitorReadout),
	}
}

// AddKicker declares a knob driving a steerer at the named element.
// vertical selects the py plane.
func (s *SimBackend) AddKicker(name, unit, element string, vertical bool) {
	axis := 1
	if vertical {
		axis = 3
	}
	s.meta = append(s.meta, Knob{Name: name, Unit: unit, DisplayUnit: unit})
	s.knobs[strings.ToLower(name)] = 0
	s.kickers[strings.ToLower(name)] = kickerBinding{element: element, axis: axis}
}

// AddMonitor declares a beam-position monitor at a lattice element.
func (s *SimBackend) AddMonitor(element string) {
	s.monitors = append(s.monitors, element)
}

// SetFailing forces the no-data sentinel for a monitor in subsequent frames.
func (s *SimBackend) SetFailing(monitor string, failing bool) {
	s.failing[strings.ToLower(monitor)] = failing
}

func (s *SimBackend) Knobs() []Knob {
	out := make([]Knob, len(s.meta))
	for i, k := range s.meta {
		k.Value = s.knobs[strings.ToLower(k.Name)]
		out[i] = k
	}
	return out
}

func (s *SimBackend) Read(name string) (float64, error) {
	v, ok := s.knobs[strings.ToLower(name)]
	if !ok {
		return 0, &HardwareError{Op: "read", Channel: name, Err: fmt.Errorf("unknown knob")}
	}
	return v, nil
}

func (s *SimBackend) Write(name string, value float64) error {
	key := strings.ToLower(name)
	if _, ok := s.knobs[key]; !ok {
		return &HardwareError{Op: "write", Channel: name, Err: fmt.Errorf("unknown knob")}
	}
	s.pending[key] = value
	return nil
}

func (s *SimBackend) Commit() error {
	for k, v := range s.pending {
		s.knobs[k] = v
	}
	s.pending = make(map[string]float64)
	return nil
}

// Advance publishes a fresh monitor frame from the current orbit.
func (s *SimBackend) Advance() {
	orbit := s.trackOrbit()
	for _, m := range s.monitors {
		key := strings.ToLower(m)
		if s.failing[key] {
			s.frame[key] = MonitorReadout{Name: m, PosX: NoData, PosY: NoData}
			continue
		}
		x, y := orbit[key][0], orbit[key][2]
		s.frame[key] = MonitorReadout{
			Name: m,
			PosX: x + s.rng.NormFloat64()*s.Jitter,
			PosY: y + s.rng.NormFloat64()*s.Jitter,
			EnvX: s.Envelope,
			EnvY: s.Envelope,
		}
	}
	s.lastSample = time.Now()
}

// Sampler returns the ReadoutSampler view of the backend. The knob channel
// and the sampler share the same simulated machine state.
func (s *SimBackend) Sampler() ReadoutSampler {
	return simSampler{s}
}

type simSampler struct{ s *SimBackend }

func (ss simSampler) Read(monitor string) (MonitorReadout, error) {
	return ss.s.sample(monitor)
}

func (s *SimBackend) sample(monitor string) (MonitorReadout, error) {
	if len(s.frame) == 0 {
		s.Advance()
	} else if s.SamplePeriod > 0 && time.Since(s.lastSample) >= s.SamplePeriod {
		s.Advance()
	} else if s.SamplePeriod == 0 {
		s.Advance()
	}
	r, ok := s.frame[strings.ToLower(monitor)]
	if !ok {
		return MonitorReadout{}, &HardwareError{Op: "read", Channel: monitor, Err: fmt.Errorf("unknown monitor")}
	}
	return r, nil
}

// trackOrbit walks the injected orbit through the lattice, applying bound
// steerer kicks at their elements, and returns the state at every element.
func (s *SimBackend) trackOrbit() map[string][4]float64 {
	kicksAt := make(map[string][2]float64)
	for knob, b := range s.kickers {
		k := kicksAt[strings.ToLower(b.element)]
		if b.axis == 1 {
			k[0] += s.knobs[knob]
		} else {
			k[1] += s.knobs[knob]
		}
		kicksAt[strings.ToLower(b.element)] = k
	}

	out := make(map[string][4]float64)
	state := s.init
	for i, el := range s.model.Elements() {
		if i > 0 {
			sm, err := s.model.Sectormap(s.model.Elements()[i-1].Name, el.Name)
			if err == nil {
				state = lattice.Apply(sm, state)
			}
		}
		if k, ok := kicksAt[strings.ToLower(el.Name)]; ok {
			state[1] += k[0]
			state[3] += k[1]
		}
		out[strings.ToLower(el.Name)] = state
	}
	return out
}
