package hw

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/san-kum/orbitctl/internal/lattice"
)

func testBackend() *SimBackend {
	m := lattice.New()
	m.Append("start", 0, nil)
	m.Append("kick1", 0, lattice.Drift(0.5))
	m.Append("monitor1", 0, lattice.Drift(1.0))
	m.Append("monitor2", 0, lattice.Drift(1.5))

	b := NewSimBackend(m, [4]float64{1e-3, 0, -1e-3, 0}, 1)
	b.SamplePeriod = time.Hour // frames only change via Advance
	b.AddKicker("ax_k1", "rad", "kick1", false)
	b.AddKicker("ay_k1", "rad", "kick1", true)
	b.AddMonitor("monitor1")
	b.AddMonitor("monitor2")
	return b
}

func TestWriteBuffersUntilCommit(t *testing.T) {
	b := testBackend()
	if err := b.Write("AX_K1", 2e-3); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := b.Read("ax_k1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 0 {
		t.Errorf("uncommitted write visible: %g", v)
	}

	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	v, _ = b.Read("ax_k1")
	if v != 2e-3 {
		t.Errorf("committed value = %g, want 2e-3", v)
	}
}

func TestUnknownChannel(t *testing.T) {
	b := testBackend()
	var hwErr *HardwareError

	if err := b.Write("nope", 1); !errors.As(err, &hwErr) {
		t.Errorf("write unknown knob: err = %v, want HardwareError", err)
	}
	if _, err := b.Read("nope"); !errors.As(err, &hwErr) {
		t.Errorf("read unknown knob: err = %v, want HardwareError", err)
	}
	if _, err := b.Sampler().Read("nope"); !errors.As(err, &hwErr) {
		t.Errorf("read unknown monitor: err = %v, want HardwareError", err)
	}
}

func TestKickMovesBeam(t *testing.T) {
	b := testBackend()

	before, err := b.Sampler().Read("monitor2")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if err := b.Write("ax_k1", 2e-3); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b.Advance()

	after, err := b.Sampler().Read("monitor2")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// kick1 -> monitor2 is a 2.5 m drift, so the kick shows as 2e-3 * 2.5.
	wantShift := 2e-3 * 2.5
	if math.Abs((after.PosX-before.PosX)-wantShift) > 1e-12 {
		t.Errorf("posx shift = %g, want %g", after.PosX-before.PosX, wantShift)
	}
	if after.PosY != before.PosY {
		t.Error("horizontal kick must not move the vertical plane")
	}
}

func TestFrameRepeatsUntilAdvance(t *testing.T) {
	b := testBackend()
	b.Jitter = 1e-4

	r1, _ := b.Sampler().Read("monitor1")
	r2, _ := b.Sampler().Read("monitor1")
	if !r1.Equal(r2) {
		t.Error("readouts should repeat until a new frame is published")
	}

	b.Advance()
	r3, _ := b.Sampler().Read("monitor1")
	if r1.Equal(r3) {
		t.Error("a fresh frame with jitter should differ")
	}
}

func TestFailingMonitor(t *testing.T) {
	b := testBackend()
	b.SetFailing("monitor1", true)
	b.Advance()

	r, err := b.Sampler().Read("monitor1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if r.Valid() {
		t.Error("failing monitor should produce the no-data sentinel")
	}
	if r.PosX != NoData {
		t.Errorf("posx = %g, want sentinel %g", r.PosX, NoData)
	}

	ok, err := b.Sampler().Read("monitor2")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok.Valid() {
		t.Error("other monitors should stay valid")
	}
}

func TestKnobListing(t *testing.T) {
	b := testBackend()
	if err := b.Write("ax_k1", 1e-3); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	knobs := b.Knobs()
	if len(knobs) != 2 {
		t.Fatalf("got %d knobs, want 2", len(knobs))
	}
	found := false
	for _, k := range knobs {
		if k.Name == "ax_k1" && k.Value == 1e-3 {
			found = true
		}
	}
	if !found {
		t.Error("Knobs() should report committed values")
	}
}
