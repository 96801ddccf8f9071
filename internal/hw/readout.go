package hw

// NoData is the sentinel position the control system reports when a monitor
// has not delivered a measurement.
const NoData = -9.999

// MonitorReadout is one measurement from a beam-position monitor: beam
// center and envelope in both planes. Instances are immutable once created.
type MonitorReadout struct {
	Name string
	PosX float64
	PosY float64
	EnvX float64
	EnvY float64
}

// Valid reports whether the readout carries a usable measurement: both
// envelopes positive and neither position equal to the no-data sentinel.
// Invalid readouts must not enter fits.
func (r MonitorReadout) Valid() bool {
	return r.EnvX > 0 && r.EnvY > 0 && r.PosX != NoData && r.PosY != NoData
}

// Equal compares two readouts exactly. Bit-identical frames mean the
// hardware has not published a new sample yet.
func (r MonitorReadout) Equal(o MonitorReadout) bool {
	return r == o
}

// SameFrame reports whether two readout sets are element-wise identical.
func SameFrame(a, b []MonitorReadout) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
