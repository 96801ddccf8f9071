// Package lattice describes the beamline as a chain of named elements with
// linear transfer maps between them. Maps are 4x5: a 4x4 block acting on the
// phase-space vector (x, px, y, py) plus a kick column.
package lattice

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

type Element struct {
	Name     string
	Position float64
	Length   float64
}

type Model interface {
	Elements() []Element
	Index(name string) int
	// Sectormap returns the combined map from start to end, start upstream.
	Sectormap(start, end string) (*mat.Dense, error)
	// Track propagates a phase-space vector from one element to another.
	// Tracking upstream solves the forward map for the earlier state.
	Track(x [4]float64, from, to string) ([4]float64, error)
}

// Identity returns the map that leaves the beam untouched.
func Identity() *mat.Dense {
	m := mat.NewDense(4, 5, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Drift returns the map of a field-free section of length l.
func Drift(l float64) *mat.Dense {
	m := Identity()
	m.Set(0, 1, l)
	m.Set(2, 3, l)
	return m
}

// ThinQuad returns the thin-lens quadrupole map with integrated strength kl.
// Positive kl focuses horizontally and defocuses vertically.
func ThinQuad(kl float64) *mat.Dense {
	m := Identity()
	m.Set(1, 0, -kl)
	m.Set(3, 2, kl)
	return m
}

// Kick returns the map of a steerer applying fixed angle kicks.
func Kick(dpx, dpy float64) *mat.Dense {
	m := Identity()
	m.Set(1, 4, dpx)
	m.Set(3, 4, dpy)
	return m
}

// Compose chains two maps: first a, then b.
func Compose(a, b *mat.Dense) *mat.Dense {
	ta := a.Slice(0, 4, 0, 4)
	tb := b.Slice(0, 4, 0, 4)

	var t mat.Dense
	t.Mul(tb, ta)

	ka := mat.NewVecDense(4, nil)
	kb := mat.NewVecDense(4, nil)
	for i := 0; i < 4; i++ {
		ka.SetVec(i, a.At(i, 4))
		kb.SetVec(i, b.At(i, 4))
	}
	var k mat.VecDense
	k.MulVec(tb, ka)
	k.AddVec(&k, kb)

	out := mat.NewDense(4, 5, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out.Set(i, j, t.At(i, j))
		}
		out.Set(i, 4, k.AtVec(i))
	}
	return out
}

// Apply maps a phase-space vector through m.
func Apply(m *mat.Dense, x [4]float64) [4]float64 {
	var y [4]float64
	for i := 0; i < 4; i++ {
		y[i] = m.At(i, 4)
		for j := 0; j < 4; j++ {
			y[i] += m.At(i, j) * x[j]
		}
	}
	return y
}

// LinearModel is a Model assembled element by element from segment maps.
type LinearModel struct {
	elems []Element
	segs  []*mat.Dense // segs[i] maps elems[i-1] -> elems[i]; segs[0] is identity
	index map[string]int
}

func New() *LinearModel {
	return &LinearModel{index: make(map[string]int)}
}

// Append adds an element at the downstream end. seg is the map from the
// previous element; it is ignored for the first element.
func (m *LinearModel) Append(name string, length float64, seg *mat.Dense) {
	pos := 0.0
	if n := len(m.elems); n > 0 {
		pos = m.elems[n-1].Position + m.elems[n-1].Length
	}
	if len(m.elems) == 0 || seg == nil {
		seg = Identity()
	}
	m.index[name] = len(m.elems)
	m.elems = append(m.elems, Element{Name: name, Position: pos, Length: length})
	m.segs = append(m.segs, seg)
}

func (m *LinearModel) Elements() []Element { return m.elems }

func (m *LinearModel) Index(name string) int {
	i, ok := m.index[name]
	if !ok {
		return -1
	}
	return i
}

func (m *LinearModel) Sectormap(start, end string) (*mat.Dense, error) {
	i := m.Index(start)
	j := m.Index(end)
	if i < 0 {
		return nil, fmt.Errorf("lattice: unknown element %q", start)
	}
	if j < 0 {
		return nil, fmt.Errorf("lattice: unknown element %q", end)
	}
	if i > j {
		return nil, fmt.Errorf("lattice: %q is downstream of %q", start, end)
	}
	sm := Identity()
	for k := i + 1; k <= j; k++ {
		sm = Compose(sm, m.segs[k])
	}
	return sm, nil
}

func (m *LinearModel) Track(x [4]float64, from, to string) ([4]float64, error) {
	i := m.Index(from)
	j := m.Index(to)
	if i < 0 || j < 0 {
		return [4]float64{}, fmt.Errorf("lattice: unknown element in range %q/%q", from, to)
	}
	if i <= j {
		sm, err := m.Sectormap(from, to)
		if err != nil {
			return [4]float64{}, err
		}
		return Apply(sm, x), nil
	}

	// Upstream: x is the state at `from`; invert the forward map to -> from.
	sm, err := m.Sectormap(to, from)
	if err != nil {
		return [4]float64{}, err
	}
	rhs := mat.NewVecDense(4, nil)
	for k := 0; k < 4; k++ {
		rhs.SetVec(k, x[k]-sm.At(k, 4))
	}
	var sol mat.VecDense
	if err := sol.SolveVec(sm.Slice(0, 4, 0, 4), rhs); err != nil {
		return [4]float64{}, fmt.Errorf("lattice: map %q -> %q not invertible: %w", to, from, err)
	}
	var y [4]float64
	for k := 0; k < 4; k++ {
		y[k] = sol.AtVec(k)
	}
	return y, nil
}
