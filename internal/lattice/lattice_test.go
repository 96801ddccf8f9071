package lattice

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func testModel() *LinearModel {
	m := New()
	m.Append("start", 0, nil)
	m.Append("kick1", 0, Drift(0.5))
	m.Append("monitor1", 0, Drift(1.0))
	m.Append("monitor2", 0, Drift(1.5))
	return m
}

func TestComposeDrifts(t *testing.T) {
	c := Compose(Drift(1.0), Drift(2.0))
	if !almostEqual(c.At(0, 1), 3.0) {
		t.Errorf("composed drift length = %f, want 3", c.At(0, 1))
	}
	if !almostEqual(c.At(2, 3), 3.0) {
		t.Errorf("composed vertical drift length = %f, want 3", c.At(2, 3))
	}
	if !almostEqual(c.At(0, 0), 1.0) || !almostEqual(c.At(1, 1), 1.0) {
		t.Error("composed drift should keep unit diagonal")
	}
}

func TestComposeKick(t *testing.T) {
	// A kick followed by a drift turns the angle into an offset.
	c := Compose(Kick(2e-3, 0), Drift(1.5))
	if !almostEqual(c.At(0, 4), 3e-3) {
		t.Errorf("x kick offset = %g, want 3e-3", c.At(0, 4))
	}
	if !almostEqual(c.At(1, 4), 2e-3) {
		t.Errorf("px kick = %g, want 2e-3", c.At(1, 4))
	}
}

func TestSectormap(t *testing.T) {
	m := testModel()
	sm, err := m.Sectormap("start", "monitor2")
	if err != nil {
		t.Fatalf("sectormap: %v", err)
	}
	if !almostEqual(sm.At(0, 1), 3.0) {
		t.Errorf("start->monitor2 drift = %f, want 3", sm.At(0, 1))
	}

	same, err := m.Sectormap("kick1", "kick1")
	if err != nil {
		t.Fatalf("sectormap: %v", err)
	}
	if !almostEqual(same.At(0, 1), 0) || !almostEqual(same.At(0, 0), 1) {
		t.Error("sectormap of empty range should be identity")
	}
}

func TestSectormapErrors(t *testing.T) {
	m := testModel()
	if _, err := m.Sectormap("nope", "monitor1"); err == nil {
		t.Error("expected error for unknown start element")
	}
	if _, err := m.Sectormap("monitor2", "monitor1"); err == nil {
		t.Error("expected error for reversed range")
	}
}

func TestThinQuadFocusing(t *testing.T) {
	q := ThinQuad(0.8)
	x := Apply(q, [4]float64{1e-3, 0, 1e-3, 0})
	if x[1] >= 0 {
		t.Error("positive kl should deflect horizontal offset toward axis")
	}
	if x[3] <= 0 {
		t.Error("positive kl should deflect vertical offset away from axis")
	}
}

func TestTrackRoundTrip(t *testing.T) {
	m := testModel()
	init := [4]float64{1e-3, 2e-4, -5e-4, 1e-4}

	at2, err := m.Track(init, "start", "monitor2")
	if err != nil {
		t.Fatalf("track forward: %v", err)
	}
	back, err := m.Track(at2, "monitor2", "start")
	if err != nil {
		t.Fatalf("track backward: %v", err)
	}
	for i := range init {
		if !almostEqual(back[i], init[i]) {
			t.Errorf("roundtrip[%d] = %g, want %g", i, back[i], init[i])
		}
	}
}

func TestTrackDrift(t *testing.T) {
	m := testModel()
	got, err := m.Track([4]float64{0, 1e-3, 0, -1e-3}, "start", "monitor1")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if !almostEqual(got[0], 1.5e-3) {
		t.Errorf("x after 1.5 m drift = %g, want 1.5e-3", got[0])
	}
	if !almostEqual(got[2], -1.5e-3) {
		t.Errorf("y after 1.5 m drift = %g, want -1.5e-3", got[2])
	}
}

func TestElementPositions(t *testing.T) {
	m := testModel()
	if m.Index("start") != 0 || m.Index("monitor2") != 3 {
		t.Error("element indices should follow append order")
	}
	if m.Index("ghost") != -1 {
		t.Error("unknown element should index as -1")
	}
}
