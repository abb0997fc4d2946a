// Package dispatcher manages runner fan-out for the pipeline stages.
package dispatcher

import (
	"context"
	"sync"
)

// Runner is a long-lived loop that returns once its context is done.
type Runner interface {
	Run(ctx context.Context)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context)

// Run calls f(ctx).
func (f RunnerFunc) Run(ctx context.Context) {
	f(ctx)
}

// Dispatcher runs a fixed pool of runners.
type Dispatcher struct {
	runners []Runner
}

// New creates a Dispatcher.
func New(runners ...Runner) *Dispatcher {
	return &Dispatcher{runners: runners}
}

// Add registers more runners. It must be called before Run.
func (d *Dispatcher) Add(runners ...Runner) {
	d.runners = append(d.runners, runners...)
}

// Len reports how many runners are registered.
func (d *Dispatcher) Len() int {
	return len(d.runners)
}

// Run starts all runners and blocks until the context finishes and every
// runner has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range d.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	<-ctx.Done()
	wg.Wait()
}
