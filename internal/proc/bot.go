// Package proc drives the multi-step, multi-shot acquisition sequence. The
// bot advances only on discrete Poll ticks delivered by its owner; between
// ticks it holds state, never a goroutine.
package proc

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/san-kum/orbitctl/internal/correct"
	"github.com/san-kum/orbitctl/internal/hw"
	"github.com/san-kum/orbitctl/internal/orbit"
)

// DefaultInterval is the tick period used by the stock drivers.
const DefaultInterval = 300 * time.Millisecond

var ErrAlreadyRunning = errors.New("proc: acquisition already running")

type State int

const (
	Idle State = iota
	Running
	Finished
	Cancelled
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// Bot is the acquisition state machine. It is not safe for concurrent use;
// a single goroutine must own Start, Poll and Cancel.
type Bot struct {
	cor *correct.Corrector
	bus *correct.Bus

	state     State
	numIgnore int
	numShots  int
	numSteps  int
	totalOps  int
	progress  int

	lastReadouts []hw.MonitorReadout
}

func New(cor *correct.Corrector) *Bot {
	return &Bot{cor: cor, bus: cor.Bus()}
}

func (b *Bot) State() State  { return b.state }
func (b *Bot) Running() bool { return b.state == Running }
func (b *Bot) Progress() int { return b.progress }
func (b *Bot) TotalOps() int { return b.totalOps }
func (b *Bot) NumShots() int { return b.numShots }

// Start arms a new run: numIgnore settling shots and numAverage recorded
// shots per optic step, plus the move tick. Fails if a run is active.
func (b *Bot) Start(numIgnore, numAverage int) error {
	if b.state == Running {
		return ErrAlreadyRunning
	}
	if b.cor.NumOptics() == 0 {
		return correct.ErrInvalidConfig
	}

	// Baseline knob values must be known before the first optic write so
	// that stop can restore them.
	if err := b.cor.UpdateVars(); err != nil {
		return err
	}

	b.cor.ClearRecords()
	b.numIgnore = numIgnore
	b.numShots = numAverage + numIgnore + 1
	b.numSteps = b.cor.NumOptics()
	b.totalOps = b.numSteps * b.numShots
	b.progress = 0
	b.lastReadouts = nil
	b.state = Running
	b.bus.Publish(correct.ProgressChanged{Progress: 0, Total: b.totalOps})
	return nil
}

// Poll advances the machine by at most one operation. A no-op unless
// Running. The first shot of every step is the move tick: the optic is
// applied and the current frame snapshotted so that later ticks can tell a
// fresh sample from a repeat.
func (b *Bot) Poll() error {
	if b.state != Running {
		return nil
	}

	step := b.progress / b.numShots
	shot := b.progress % b.numShots

	if shot == 0 {
		if err := b.cor.SetOptic(step); err != nil {
			return err
		}
		readouts, err := b.readMonitors()
		if err != nil {
			return err
		}
		b.lastReadouts = readouts
		b.advance()
		if b.progress == b.totalOps {
			return b.finish()
		}
		return nil
	}

	readouts, err := b.readMonitors()
	if err != nil {
		return err
	}
	if hw.SameFrame(readouts, b.lastReadouts) {
		// No new physical sample yet; wait for the next tick.
		return nil
	}
	b.lastReadouts = readouts
	b.advance()

	if shot <= b.numIgnore {
		log.Printf("proc: step %d shot %d ignored (settling)", step, shot)
		if b.progress == b.totalOps {
			return b.finish()
		}
		return nil
	}

	if err := b.cor.AddRecord(step, shot-b.numIgnore-1); err != nil {
		return err
	}
	if b.progress == b.totalOps {
		return b.finish()
	}
	return nil
}

// Cancel stops a running acquisition at the next tick boundary, restores
// the baseline optics and discards any provisional fit.
func (b *Bot) Cancel() error {
	if b.state != Running {
		return nil
	}
	err := b.stop()
	b.cor.ClearFit()
	b.state = Cancelled
	b.bus.Publish(correct.RunCancelled{})
	return err
}

// Run drives Poll on a ticker until the machine leaves Running or the
// context is cancelled. Any error cancels the run, restoring the baseline.
func (b *Bot) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Cancel()
			return ctx.Err()
		case <-ticker.C:
			if err := b.Poll(); err != nil {
				b.Cancel()
				return err
			}
			if b.state != Running {
				return nil
			}
		}
	}
}

func (b *Bot) advance() {
	b.progress++
	b.bus.Publish(correct.ProgressChanged{Progress: b.progress, Total: b.totalOps})
}

func (b *Bot) finish() error {
	err := b.stop()
	if _, ferr := b.cor.UpdateFit(); ferr != nil && !errors.Is(ferr, orbit.ErrInsufficientData) {
		log.Printf("proc: fit after run failed: %v", ferr)
	}
	b.state = Finished
	b.bus.Publish(correct.RunFinished{})
	return err
}

func (b *Bot) stop() error {
	return b.cor.SetOptic(correct.RestoreBaseline)
}

func (b *Bot) readMonitors() ([]hw.MonitorReadout, error) {
	if err := b.cor.UpdateReadouts(); err != nil {
		return nil, err
	}
	current := b.cor.Readouts()
	readouts := make([]hw.MonitorReadout, len(current))
	copy(readouts, current)
	return readouts, nil
}
