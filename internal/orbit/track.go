package orbit

import (
	"sort"

	"github.com/san-kum/orbitctl/internal/lattice"
)

// Readout is the position pair seen at a named monitor, as needed for the
// standalone fit entry points.
type Readout struct {
	Monitor string
	PosX    float64
	PosY    float64
}

func measurements(model lattice.Model, readouts []Readout) ([]Measurement, error) {
	rs := make([]Readout, len(readouts))
	copy(rs, readouts)
	sort.SliceStable(rs, func(i, j int) bool {
		return model.Index(rs[i].Monitor) < model.Index(rs[j].Monitor)
	})

	ms := make([]Measurement, 0, len(rs))
	for _, r := range rs {
		tm, err := model.Sectormap(rs[0].Monitor, r.Monitor)
		if err != nil {
			return nil, err
		}
		ms = append(ms, Measurement{Monitor: r.Monitor, TM: tm, PosX: r.PosX, PosY: r.PosY})
	}
	return ms, nil
}

// FitBackward fits the orbit at the first monitor and tracks it upstream to
// the named start element, reporting the injected-beam coordinates there.
func FitBackward(model lattice.Model, readouts []Readout, start string) ([4]float64, FitOutcome, error) {
	ms, err := measurements(model, readouts)
	if err != nil {
		return [4]float64{}, FitOutcome{}, err
	}
	out, err := FitInitialOrbit(ms)
	if err != nil {
		return [4]float64{}, out, err
	}
	init, err := model.Track(out.X, ms[0].Monitor, start)
	if err != nil {
		return [4]float64{}, out, err
	}
	return init, out, nil
}

// FitForward fits the orbit at the first monitor and tracks it downstream,
// reporting the fitted trajectory at the named end element.
func FitForward(model lattice.Model, readouts []Readout, end string) ([4]float64, FitOutcome, error) {
	ms, err := measurements(model, readouts)
	if err != nil {
		return [4]float64{}, FitOutcome{}, err
	}
	out, err := FitInitialOrbit(ms)
	if err != nil {
		return [4]float64{}, out, err
	}
	final, err := model.Track(out.X, ms[0].Monitor, end)
	if err != nil {
		return [4]float64{}, out, err
	}
	return final, out, nil
}
