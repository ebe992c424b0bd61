// Package dispatch runs the single dispatch loop shared by the transport and
// the worker manager, and shepherds server-side RPCs from arrival through a
// worker goroutine and back out as a reply.
//
// Exactly one goroutine may drive a Dispatch. Pollers registered with it are
// invoked once per tick and must never block; all cross-thread traffic into
// the dispatch loop goes through the worker manager's completed queue.
package dispatch

import (
	"runtime"

	"go.uber.org/zap"
)

// Poller is one unit of work invoked on every dispatch tick. Poll returns a
// non-zero value when it found useful work, which keeps the loop hot.
type Poller interface {
	Poll() int
}

// Dispatch owns the poller list. It performs no locking: Register and Poll
// must both be called from the dispatch goroutine.
type Dispatch struct {
	log     *zap.SugaredLogger
	pollers []Poller
}

// New returns a Dispatch logging through logger. A nil logger disables
// logging.
func New(logger *zap.Logger) *Dispatch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatch{log: logger.Sugar()}
}

// Register adds p to the poller list.
func (d *Dispatch) Register(p Poller) {
	d.pollers = append(d.pollers, p)
}

// Poll runs one tick over all pollers and reports how many found work.
func (d *Dispatch) Poll() int {
	found := 0
	for _, p := range d.pollers {
		found += p.Poll()
	}
	return found
}

// Run drives Poll until stop is closed, yielding the processor on idle
// ticks so a busy-polling dispatch goroutine stays preemptible.
func (d *Dispatch) Run(stop <-chan struct{}) {
	d.log.Debugw("dispatch loop starting")
	for {
		select {
		case <-stop:
			d.log.Debugw("dispatch loop stopping")
			return
		default:
		}
		if d.Poll() == 0 {
			runtime.Gosched()
		}
	}
}
