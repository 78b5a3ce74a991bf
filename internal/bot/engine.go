package bot

import (
	"context"
	"log"
	"sync"
	"time"
)

// Synchronizer is the stream lifecycle the engine drives.
type Synchronizer interface {
	Start(ctx context.Context, symbols []string) error
	Stop()
}

// Engine owns the trading loop lifecycle: it starts the state streams, ticks
// the controller, and tears everything down on stop. Start and Stop are safe
// to call repeatedly and from the control API.
type Engine struct {
	controller *Controller
	sync       Synchronizer
	symbols    []string
	interval   time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	lastCycle   CycleResult
	lastCycleAt time.Time
	startedAt   time.Time
}

// NewEngine wires an engine around a controller and synchronizer.
func NewEngine(controller *Controller, sync Synchronizer, symbols []string, interval time.Duration) *Engine {
	return &Engine{controller: controller, sync: sync, symbols: symbols, interval: interval}
}

// Start launches the streams and the cycle loop. A second Start while running
// returns without side effects.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		log.Printf("bot: engine already running")
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := e.sync.Start(runCtx, e.symbols); err != nil {
		cancel()
		e.mu.Unlock()
		return err
	}
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.startedAt = time.Now()
	done := e.done
	e.mu.Unlock()

	go e.loop(runCtx, done)
	log.Printf("bot: engine started, cycle every %s", e.interval)
	return nil
}

// Stop cancels the loop and stops the streams. A no-op when not running.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done
	e.sync.Stop()
	log.Printf("bot: engine stopped")
}

// Running reports whether the loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Status describes the engine for the control API.
type Status struct {
	Running     bool        `json:"running"`
	Symbols     []string    `json:"symbols"`
	StartedAt   time.Time   `json:"startedAt,omitzero"`
	LastCycleAt time.Time   `json:"lastCycleAt,omitzero"`
	LastCycle   CycleResult `json:"lastCycle"`
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:     e.running,
		Symbols:     e.symbols,
		StartedAt:   e.startedAt,
		LastCycleAt: e.lastCycleAt,
		LastCycle:   e.lastCycle,
	}
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// First cycle runs immediately; the ticker paces the rest.
	e.runOnce(ctx)
	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.runOnce(ctx)
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	res := e.controller.RunCycle(ctx)
	e.mu.Lock()
	e.lastCycle = res
	e.lastCycleAt = time.Now()
	e.mu.Unlock()
}
