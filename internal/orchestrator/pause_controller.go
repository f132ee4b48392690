package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrStopped is returned once the orchestrator has been stopped.
var ErrStopped = errors.New("orchestrator stopped")

// PauseController gates new dispatches. In-flight work is never paused.
type PauseController struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	// gate is closed whenever dispatch may proceed.
	gate chan struct{}
}

// NewPauseController creates an unpaused controller.
func NewPauseController() *PauseController {
	gate := make(chan struct{})
	close(gate)
	return &PauseController{gate: gate}
}

// Pause stops new dispatches. It reports whether the state changed.
func (p *PauseController) Pause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.stopped {
		return false
	}
	p.paused = true
	p.gate = make(chan struct{})
	log.Printf("[orchestrator] paused - no new tasks will be dispatched")
	return true
}

// Resume re-enables dispatch. It reports whether the state changed.
func (p *PauseController) Resume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return false
	}
	p.paused = false
	close(p.gate)
	log.Printf("[orchestrator] resumed - dispatch enabled")
	return true
}

// Stop releases every waiter with ErrStopped.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.paused {
		p.paused = false
		close(p.gate)
	}
}

// IsPaused returns whether dispatch is paused.
func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// IsStopped returns whether the controller has been stopped.
func (p *PauseController) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// WaitIfPaused blocks while paused. It returns ctx.Err() on cancellation
// and ErrStopped after Stop.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()

	select {
	case <-gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.IsStopped() {
		return ErrStopped
	}
	return nil
}
