package node

import (
	"sync"
	"sync/atomic"
)

// State captures the state of an engine node: Running, Resyncing, Suspended,
// or Shutdown.
type State uint32

const (
	// Running is the normal predict-and-confirm loop.
	Running State = iota
	// Resyncing means a snapshot request is outstanding and prediction is
	// paused until it loads.
	Resyncing
	// Suspended means the world collaborator failed fatally; only Reset can
	// leave this state.
	Suspended
	// Shutdown is shutdown
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Resyncing:
		return "Resyncing"
	case Suspended:
		return "Suspended"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// state is the embedded node state: the atomic State value, read by the
// transport side and the HTTP service while the tick loop writes it, and
// the WaitGroup that Shutdown drains for the pacer goroutine.
type state struct {
	current uint32
	wg      sync.WaitGroup
}

func (b *state) getState() State {
	return State(atomic.LoadUint32(&b.current))
}

func (b *state) setState(s State) {
	atomic.StoreUint32(&b.current, uint32(s))
}

func (b *state) goFunc(f func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
}

func (b *state) waitRoutines() {
	b.wg.Wait()
}
