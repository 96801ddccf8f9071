package correct

import "github.com/san-kum/orbitctl/internal/orbit"

// Event is a typed notification from the corrector or the acquisition bot.
// Presentation layers subscribe instead of holding back-references.
type Event interface{}

type ProgressChanged struct {
	Progress int
	Total    int
}

type RunFinished struct{}

type RunCancelled struct{}

type FitUpdated struct {
	Outcome orbit.FitOutcome
}

type OpticChanged struct {
	Step int
}

type RecordAdded struct {
	Total int
}

type CorrectionComputed struct {
	Results Results
}

// Bus dispatches events synchronously, in subscription order, on the
// caller's goroutine.
type Bus struct {
	subs []func(Event)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(fn func(Event)) {
	b.subs = append(b.subs, fn)
}

func (b *Bus) Publish(e Event) {
	for _, fn := range b.subs {
		fn(e)
	}
}
