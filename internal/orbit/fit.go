// Package orbit reconstructs the beam phase-space state from beam-position
// monitor readouts and the transfer maps leading to them.
package orbit

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// RankCutoff is the relative singular-value tolerance below which the
// solver treats a direction as unresolved.
const RankCutoff = 1e-6

var ErrInsufficientData = errors.New("orbit: need at least 2 monitor readouts")

// Measurement couples a monitor position readout with the sectormap from the
// start of the fit range to that monitor. TM is a 4x5 lattice map.
type Measurement struct {
	Monitor string
	TM      *mat.Dense
	PosX    float64
	PosY    float64
}

// FitOutcome is the result of a phase-space fit. Singular marks an
// underdetermined system; it is information, not an error.
type FitOutcome struct {
	X          [4]float64 // x, px, y, py at the start of the fit range
	ChiSquared float64
	Singular   bool
}

// FitInitialOrbit solves T_i X + K_i = Y_i for the initial phase-space
// vector X by least squares over all measurements. Only the horizontal and
// vertical position rows of each map enter the system.
func FitInitialOrbit(ms []Measurement) (FitOutcome, error) {
	if len(ms) < 2 {
		return FitOutcome{}, ErrInsufficientData
	}

	n := len(ms)
	a := mat.NewDense(2*n, 4, nil)
	b := mat.NewVecDense(2*n, nil)
	for i, m := range ms {
		for j := 0; j < 4; j++ {
			a.Set(2*i, j, m.TM.At(0, j))
			a.Set(2*i+1, j, m.TM.At(2, j))
		}
		b.SetVec(2*i, m.PosX-m.TM.At(0, 4))
		b.SetVec(2*i+1, m.PosY-m.TM.At(2, 4))
	}

	x, chi2, rank, err := LeastSquares(a, b, RankCutoff)
	if err != nil {
		return FitOutcome{}, err
	}

	out := FitOutcome{Singular: rank < 4}
	for i := 0; i < 4; i++ {
		out.X[i] = x.AtVec(i)
	}
	// The residual sum is only meaningful for an overdetermined full-rank
	// system; otherwise report zero, matching lstsq conventions.
	if rank == 4 && 2*n > 4 {
		out.ChiSquared = chi2
	}
	return out, nil
}

// LeastSquares computes the minimum-norm least-squares solution of a*x = b
// via SVD, zeroing singular values below rcond relative to the largest.
// It returns the solution, the squared residual norm and the numerical rank.
func LeastSquares(a *mat.Dense, b *mat.VecDense, rcond float64) (*mat.VecDense, float64, int, error) {
	rows, cols := a.Dims()
	if b.Len() != rows {
		return nil, 0, 0, fmt.Errorf("orbit: dimension mismatch: %d rows, %d rhs", rows, b.Len())
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, 0, 0, fmt.Errorf("orbit: SVD failed to converge")
	}

	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	tol := 0.0
	if len(s) > 0 {
		tol = rcond * s[0]
	}

	rank := 0
	x := mat.NewVecDense(cols, nil)
	for i, sv := range s {
		if sv <= tol || sv == 0 {
			continue
		}
		rank++
		// coefficient of the i-th right singular vector: (u_i . b) / s_i
		dot := 0.0
		for r := 0; r < rows; r++ {
			dot += u.At(r, i) * b.AtVec(r)
		}
		dot /= sv
		for c := 0; c < cols; c++ {
			x.SetVec(c, x.AtVec(c)+dot*v.At(c, i))
		}
	}

	var r mat.VecDense
	r.MulVec(a, x)
	r.SubVec(&r, b)
	chi2 := mat.Dot(&r, &r)

	return x, chi2, rank, nil
}
