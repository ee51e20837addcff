package node

import (
	"time"

	"github.com/meshforge/lockstep/src/timesync"
)

type timerFactory func(time.Duration) <-chan time.Time

// Pacer drives the tick loop. It re-arms after every tick with the nominal
// interval scaled by the time-sync multiplier, so the local pace speeds up
// or slows down to keep the prediction horizon bounded.
type Pacer struct {
	timerFactory timerFactory
	nominal      time.Duration
	tsync        *timesync.Manager

	tickCh     chan struct{} //sends a signal to the tick loop
	stopCh     chan struct{} //pauses the timer
	shutdownCh chan struct{} //exits the Run loop
}

// NewPacer ...
func NewPacer(nominal time.Duration, tsync *timesync.Manager) *Pacer {
	return &Pacer{
		timerFactory: func(d time.Duration) <-chan time.Time {
			if d <= 0 {
				return nil
			}
			return time.After(d)
		},
		nominal:    nominal,
		tsync:      tsync,
		tickCh:     make(chan struct{}),
		stopCh:     make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// TickCh ...
func (p *Pacer) TickCh() <-chan struct{} {
	return p.tickCh
}

func (p *Pacer) interval() time.Duration {
	if p.tsync == nil {
		return p.nominal
	}
	return time.Duration(p.tsync.ScaleInterval(int64(p.nominal)))
}

// Run fires the tick channel at the adaptive pace until Shutdown.
func (p *Pacer) Run() {
	timer := p.timerFactory(p.interval())
	for {
		select {
		case <-timer:
			select {
			case p.tickCh <- struct{}{}:
			case <-p.shutdownCh:
				return
			}
			timer = p.timerFactory(p.interval())
		case <-p.stopCh:
			timer = nil
		case <-p.shutdownCh:
			return
		}
	}
}

// Shutdown ...
func (p *Pacer) Shutdown() {
	close(p.shutdownCh)
}
