// Package hw defines the interface the corrector needs from the accelerator
// control system: named knob parameters that can be written and committed,
// and beam-position monitors that can be sampled.
package hw

import "fmt"

// Knob is an independently adjustable accelerator parameter. Names are
// matched case-insensitively.
type Knob struct {
	Name        string
	Unit        string
	DisplayUnit string
	Value       float64
}

// KnobChannel writes and reads accelerator parameters. Write only buffers;
// Commit applies all buffered writes to the hardware atomically.
type KnobChannel interface {
	Knobs() []Knob
	Read(name string) (float64, error)
	Write(name string, value float64) error
	Commit() error
}

// ReadoutSampler supplies monitor readouts on demand. Readouts may repeat
// until the hardware publishes a new sample; callers detect freshness by
// comparing frames.
type ReadoutSampler interface {
	Read(monitor string) (MonitorReadout, error)
}

// HardwareError wraps a failed channel operation. It is propagated
// unmodified through the corrector; retry policy belongs to the driver.
type HardwareError struct {
	Op      string
	Channel string
	Err     error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("hw: %s %s: %v", e.Op, e.Channel, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }
