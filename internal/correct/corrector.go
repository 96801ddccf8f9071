// Package correct owns the orbit correction session: configured targets and
// steerer variables, accumulated monitor records, the fitted orbit, and the
// linear history of proposed corrections.
package correct

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/orbitctl/internal/config"
	"github.com/san-kum/orbitctl/internal/hw"
	"github.com/san-kum/orbitctl/internal/lattice"
	"github.com/san-kum/orbitctl/internal/orbit"
)

var ErrInvalidConfig = errors.New("correct: invalid configuration")

// RestoreBaseline passed to SetOptic restores pre-acquisition knob values.
const RestoreBaseline = -1

// Results maps knob names (lower-cased) to proposed values.
type Results map[string]float64

func (r Results) Clone() Results {
	c := make(Results, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

func (r Results) Equal(o Results) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		ov, ok := o[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Target is the desired readout at a lattice element. Nil axes are inactive
// under the current mode.
type Target struct {
	Element string
	X       *float64
	Y       *float64
}

// Record is one observation: the optics in effect, a monitor readout, and
// the sectormap from the fit-range start to the monitor.
type Record struct {
	Step    int
	Shot    int
	Monitor string
	Optics  map[string]float64
	Readout hw.MonitorReadout
	TM      *mat.Dense
}

type variable struct {
	name     string
	element  string
	vertical bool
}

// Corrector drives one correction session against a lattice model and a
// hardware channel pair. All history mutation goes through PushHistory and
// HistoryMove.
type Corrector struct {
	model   lattice.Model
	knobs   hw.KnobChannel
	sampler hw.ReadoutSampler
	bus     *Bus

	name      string
	mode      Mode
	monitors  []string
	variables []variable
	targets   []Target
	optics    []map[string]float64

	rangeStart string

	vars        map[string]float64
	baseOptics  map[string]float64
	activeOptic int

	readouts []hw.MonitorReadout
	records  []Record

	fit *orbit.FitOutcome

	hist    []Results
	histIdx int
	cur     Results
	top     Results
}

func New(model lattice.Model, knobs hw.KnobChannel, sampler hw.ReadoutSampler, bus *Bus) *Corrector {
	if bus == nil {
		bus = NewBus()
	}
	return &Corrector{
		model:       model,
		knobs:       knobs,
		sampler:     sampler,
		bus:         bus,
		activeOptic: RestoreBaseline,
		histIdx:     -1,
	}
}

func (c *Corrector) Bus() *Bus { return c.bus }

// Setup (re)initializes the session from a named configuration and an axis
// mode. Records, fit state and history are cleared.
func (c *Corrector) Setup(name string, cfg *config.Correction, mode Mode) error {
	if len(cfg.Monitors) == 0 {
		return fmt.Errorf("%w: %q has no monitors", ErrInvalidConfig, name)
	}
	if len(cfg.Optics) == 0 {
		return fmt.Errorf("%w: %q has no optic steps", ErrInvalidConfig, name)
	}

	var vars []variable
	if mode.ActiveX() {
		for _, s := range cfg.Steerers.X {
			vars = append(vars, variable{name: strings.ToLower(s.Name), element: s.Element})
		}
	}
	if mode.ActiveY() {
		for _, s := range cfg.Steerers.Y {
			vars = append(vars, variable{name: strings.ToLower(s.Name), element: s.Element, vertical: true})
		}
	}
	if len(vars) == 0 {
		return fmt.Errorf("%w: %q has no steerers for mode %s", ErrInvalidConfig, name, mode)
	}

	monitors := make([]string, len(cfg.Monitors))
	copy(monitors, cfg.Monitors)
	for _, m := range monitors {
		if c.model.Index(m) < 0 {
			return fmt.Errorf("%w: unknown monitor element %q", ErrInvalidConfig, m)
		}
	}
	sortByIndex(c.model, monitors)

	var targets []Target
	for elem, spec := range cfg.Targets {
		t := Target{Element: elem}
		if mode.ActiveX() {
			t.X = spec.X
		}
		if mode.ActiveY() {
			t.Y = spec.Y
		}
		if t.X != nil || t.Y != nil {
			targets = append(targets, t)
		}
	}

	start := monitors[0]
	for _, v := range vars {
		if i := c.model.Index(v.element); i >= 0 && i < c.model.Index(start) {
			start = v.element
		}
	}
	for _, t := range targets {
		if i := c.model.Index(t.Element); i >= 0 && i < c.model.Index(start) {
			start = t.Element
		}
	}

	c.name = name
	c.mode = mode
	c.monitors = monitors
	c.variables = vars
	c.targets = targets
	c.optics = cfg.Optics
	c.rangeStart = start

	c.vars = nil
	c.baseOptics = nil
	c.activeOptic = RestoreBaseline
	c.readouts = nil
	c.records = nil
	c.fit = nil
	c.hist = nil
	c.histIdx = -1
	c.cur = nil
	c.top = nil
	return nil
}

func sortByIndex(model lattice.Model, names []string) {
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && model.Index(names[j]) < model.Index(names[j-1]); j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
}

// UpdateVars refreshes variable and baseline knob values from hardware.
// Read-only: nothing is written. A changed variable set is recorded on the
// history stack so the pre-correction state can be stepped back to.
func (c *Corrector) UpdateVars() error {
	// The restore baseline is only captured while no optic step is active;
	// refreshing it mid-run would make stop restore mid-run values.
	if c.activeOptic == RestoreBaseline {
		base := make(map[string]float64)
		for _, k := range c.knobs.Knobs() {
			base[strings.ToLower(k.Name)] = k.Value
		}
		c.baseOptics = base
	}

	vars := make(map[string]float64, len(c.variables))
	for _, v := range c.variables {
		val, err := c.knobs.Read(v.name)
		if err != nil {
			return err
		}
		vars[v.name] = val
	}
	c.vars = vars

	c.cur = Results(vars).Clone()
	if c.top == nil || !c.cur.Equal(c.top) {
		c.PushHistory(c.cur.Clone())
	}
	return nil
}

// UpdateReadouts pulls a fresh readout for every configured monitor.
// Invalid readouts are dropped; they must not enter fits.
func (c *Corrector) UpdateReadouts() error {
	readouts := make([]hw.MonitorReadout, 0, len(c.monitors))
	for _, m := range c.monitors {
		r, err := c.sampler.Read(m)
		if err != nil {
			return err
		}
		if r.Valid() {
			readouts = append(readouts, r)
		}
	}
	c.readouts = readouts
	return nil
}

// CurrentOrbitRecords pairs the latest valid readouts with the optics in
// effect and the sectormaps from the fit-range start.
func (c *Corrector) CurrentOrbitRecords() ([]Record, error) {
	optics := make(map[string]float64)
	for _, k := range c.knobs.Knobs() {
		optics[strings.ToLower(k.Name)] = k.Value
	}
	records := make([]Record, 0, len(c.readouts))
	for _, r := range c.readouts {
		tm, err := c.model.Sectormap(c.rangeStart, r.Name)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{
			Monitor: r.Name,
			Optics:  optics,
			Readout: r,
			TM:      tm,
		})
	}
	return records, nil
}

// AddRecord takes one observation for the given acquisition step and shot
// and appends it to the session records.
func (c *Corrector) AddRecord(step, shot int) error {
	if err := c.UpdateVars(); err != nil {
		return err
	}
	if err := c.UpdateReadouts(); err != nil {
		return err
	}
	records, err := c.CurrentOrbitRecords()
	if err != nil {
		return err
	}
	for i := range records {
		records[i].Step = step
		records[i].Shot = shot
	}
	c.records = append(c.records, records...)
	c.bus.Publish(RecordAdded{Total: len(c.records)})
	return nil
}

// UpdateFit reconstructs the initial orbit from the session records. A
// singular system is reported on the outcome, not as an error.
func (c *Corrector) UpdateFit() (orbit.FitOutcome, error) {
	if len(c.records) < 2 {
		return orbit.FitOutcome{}, orbit.ErrInsufficientData
	}
	ms := make([]orbit.Measurement, len(c.records))
	for i, r := range c.records {
		ms[i] = orbit.Measurement{
			Monitor: r.Monitor,
			TM:      r.TM,
			PosX:    r.Readout.PosX,
			PosY:    r.Readout.PosY,
		}
	}
	out, err := orbit.FitInitialOrbit(ms)
	if err != nil {
		return out, err
	}
	c.fit = &out
	c.bus.Publish(FitUpdated{Outcome: out})
	return out, nil
}

// ClearFit discards any provisional fit result.
func (c *Corrector) ClearFit() { c.fit = nil }

// SetOptic applies the optic step's knob values and commits them. The
// previously active step is rolled back to baseline values first.
// RestoreBaseline restores the pre-acquisition state.
func (c *Corrector) SetOptic(step int) error {
	if step != RestoreBaseline && (step < 0 || step >= len(c.optics)) {
		return fmt.Errorf("correct: optic step %d out of range", step)
	}

	optic := make(map[string]float64)
	if c.activeOptic != RestoreBaseline {
		for k := range c.optics[c.activeOptic] {
			if v, ok := c.baseOptics[strings.ToLower(k)]; ok {
				optic[strings.ToLower(k)] = v
			}
		}
	}
	if step != RestoreBaseline {
		for k, v := range c.optics[step] {
			optic[strings.ToLower(k)] = v
		}
	}

	for k, v := range optic {
		if err := c.knobs.Write(k, v); err != nil {
			return err
		}
	}
	if err := c.knobs.Commit(); err != nil {
		return err
	}
	c.activeOptic = step
	c.bus.Publish(OpticChanged{Step: step})
	return nil
}

// Apply commits the top-of-history correction to hardware.
func (c *Corrector) Apply() error {
	for k, v := range c.top {
		if err := c.knobs.Write(k, v); err != nil {
			return err
		}
	}
	if err := c.knobs.Commit(); err != nil {
		return err
	}
	c.cur = c.top.Clone()
	return nil
}

// PushHistory truncates everything after the cursor, appends the result and
// moves the cursor to it. No forward branch survives a push.
func (c *Corrector) PushHistory(r Results) {
	c.histIdx++
	c.hist = append(c.hist[:c.histIdx], r)
	c.top = r
}

// HistoryMove shifts the cursor by delta, clamped to the stack. Out of
// bounds is a no-op. Hardware is untouched; Apply is a separate action.
func (c *Corrector) HistoryMove(delta int) bool {
	idx := c.histIdx + delta
	if idx < 0 || idx >= len(c.hist) {
		return false
	}
	c.histIdx = idx
	c.top = c.hist[idx]
	return true
}

func (c *Corrector) Name() string                  { return c.name }
func (c *Corrector) Mode() Mode                    { return c.mode }
func (c *Corrector) Monitors() []string            { return c.monitors }
func (c *Corrector) Targets() []Target             { return c.targets }
func (c *Corrector) NumOptics() int                { return len(c.optics) }
func (c *Corrector) ActiveOptic() int              { return c.activeOptic }
func (c *Corrector) Readouts() []hw.MonitorReadout { return c.readouts }
func (c *Corrector) Records() []Record             { return c.records }
func (c *Corrector) FitResults() *orbit.FitOutcome { return c.fit }
func (c *Corrector) CurResults() Results           { return c.cur }
func (c *Corrector) TopResults() Results           { return c.top }
func (c *Corrector) HistoryIndex() int             { return c.histIdx }
func (c *Corrector) HistoryLen() int               { return len(c.hist) }
func (c *Corrector) RangeStart() string            { return c.rangeStart }

func (c *Corrector) Variables() []string {
	names := make([]string, len(c.variables))
	for i, v := range c.variables {
		names[i] = v.name
	}
	return names
}

// ClearRecords drops accumulated observations; called at the start of each
// acquisition run.
func (c *Corrector) ClearRecords() {
	c.records = nil
}
