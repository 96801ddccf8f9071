package correct

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/orbitctl/internal/orbit"
)

// steererResponse is the d(position)/d(knob) sensitivity of every monitor
// axis to every variable, taken from the lattice sectormaps. A steerer only
// influences monitors downstream of it.
func (c *Corrector) steererResponse() (*mat.Dense, error) {
	rows := 2 * len(c.monitors)
	resp := mat.NewDense(rows, len(c.variables), nil)
	for col, v := range c.variables {
		vi := c.model.Index(v.element)
		kickCol := 1
		if v.vertical {
			kickCol = 3
		}
		for mi, m := range c.monitors {
			if c.model.Index(m) <= vi {
				continue
			}
			tm, err := c.model.Sectormap(v.element, m)
			if err != nil {
				return nil, err
			}
			resp.Set(2*mi, col, tm.At(0, kickCol))
			resp.Set(2*mi+1, col, tm.At(2, kickCol))
		}
	}
	return resp, nil
}

// ComputeCorrection solves for the steerer deltas that move the measured
// orbit onto the configured targets and pushes the proposed knob values
// onto the history stack. The caller decides what to do with a singular
// proposal; it is flagged, not rejected.
func (c *Corrector) ComputeCorrection() (Results, error) {
	if len(c.readouts) == 0 {
		return nil, orbit.ErrInsufficientData
	}
	// The deltas are relative to what the hardware holds right now, not to
	// whatever variable values a previous optic step left cached.
	if err := c.UpdateVars(); err != nil {
		return nil, err
	}

	measured := make(map[string][2]float64, len(c.readouts))
	for _, r := range c.readouts {
		measured[r.Name] = [2]float64{r.PosX, r.PosY}
	}

	type row struct {
		monitor int
		axis    int // 0 = x, 1 = y
		want    float64
	}
	var rows []row
	for mi, m := range c.monitors {
		for _, t := range c.targets {
			if t.Element != m {
				continue
			}
			if _, ok := measured[m]; !ok {
				return nil, fmt.Errorf("correct: no valid readout for target %q: %w", m, orbit.ErrInsufficientData)
			}
			if t.X != nil {
				rows = append(rows, row{monitor: mi, axis: 0, want: *t.X})
			}
			if t.Y != nil {
				rows = append(rows, row{monitor: mi, axis: 1, want: *t.Y})
			}
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no active targets", ErrInvalidConfig)
	}

	resp, err := c.steererResponse()
	if err != nil {
		return nil, err
	}

	a := mat.NewDense(len(rows), len(c.variables), nil)
	b := mat.NewVecDense(len(rows), nil)
	for i, r := range rows {
		full := 2*r.monitor + r.axis
		for j := range c.variables {
			a.Set(i, j, resp.At(full, j))
		}
		b.SetVec(i, r.want-measured[c.monitors[r.monitor]][r.axis])
	}

	delta, _, _, err := orbit.LeastSquares(a, b, 1e-10)
	if err != nil {
		return nil, err
	}

	proposed := make(Results, len(c.variables))
	for j, v := range c.variables {
		proposed[v.name] = c.vars[v.name] + delta.AtVec(j)
	}
	c.PushHistory(proposed)
	c.bus.Publish(CorrectionComputed{Results: proposed})
	return proposed, nil
}
