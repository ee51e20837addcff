// Package resync recovers a desynced peer: the requester side asks the
// authority for a snapshot through the ordered input channel, then suspends
// prediction, loads the snapshot, and resumes; the authority side latches
// the request and uploads a snapshot produced after its next tick.
package resync

import (
	"strconv"
	"sync"
	"time"

	"github.com/meshforge/lockstep/src/common"
	"github.com/meshforge/lockstep/src/hashvote"
	"github.com/meshforge/lockstep/src/history"
	"github.com/meshforge/lockstep/src/prediction"
	"github.com/meshforge/lockstep/src/snapring"
	"github.com/meshforge/lockstep/src/world"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout is how long the requester waits for a snapshot before
	// re-requesting.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxRetries is how many re-requests are attempted before the
	// failure surfaces to the collaborator.
	DefaultMaxRetries = 3
)

// Coordinator ties the requester and authority halves together.
type Coordinator struct {
	mu sync.Mutex

	localID    string
	timeout    time.Duration
	maxRetries int

	// requester
	pending     bool
	requestedAt time.Time
	retries     int

	// authority: target of the pending snapshot upload, empty when idle.
	uploadTarget string

	// populated tracks clients materialized from a loaded snapshot rather
	// than a join event, so the game layer can tell reconnects from joins.
	populated map[string]bool

	w       world.World
	pred    *prediction.Manager
	ring    *snapring.Ring
	hist    *history.History
	arbiter *hashvote.Arbiter

	submitRequest func()
	sendSnapshot  func(target string, snap *world.Snapshot)
	onFailure     func(err error)

	logger *logrus.Entry
}

// Config carries the collaborators the coordinator drives.
type Config struct {
	LocalID    string
	Timeout    time.Duration
	MaxRetries int

	World      world.World
	Prediction *prediction.Manager
	Ring       *snapring.Ring
	History    *history.History
	Arbiter    *hashvote.Arbiter

	// SubmitRequest sends a resync_request lifecycle input through the
	// normal input channel, so it is ordered with other inputs.
	SubmitRequest func()

	// SendSnapshot delivers an authority snapshot to the requester.
	SendSnapshot func(target string, snap *world.Snapshot)

	// OnFailure surfaces ResyncTimeout after the retry budget is spent.
	OnFailure func(err error)

	Logger *logrus.Entry
}

// NewCoordinator ...
func NewCoordinator(conf Config) *Coordinator {
	if conf.Timeout <= 0 {
		conf.Timeout = DefaultTimeout
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = DefaultMaxRetries
	}
	return &Coordinator{
		localID:       conf.LocalID,
		timeout:       conf.Timeout,
		maxRetries:    conf.MaxRetries,
		populated:     make(map[string]bool),
		w:             conf.World,
		pred:          conf.Prediction,
		ring:          conf.Ring,
		hist:          conf.History,
		arbiter:       conf.Arbiter,
		submitRequest: conf.SubmitRequest,
		sendSnapshot:  conf.SendSnapshot,
		onFailure:     conf.OnFailure,
		logger:        conf.Logger,
	}
}

// OnDesync is invoked by the hash arbiter when the local state loses the
// majority vote. Idempotent while a request is already pending.
func (c *Coordinator) OnDesync(frame uint64, local, majority uint32, now time.Time) {
	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return
	}
	c.pending = true
	c.retries = 0
	c.requestedAt = now
	c.mu.Unlock()

	if c.arbiter != nil {
		c.arbiter.SetResyncPending(true)
	}

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"frame":    frame,
			"local":    local,
			"majority": majority,
		}).Warn("desync detected, requesting snapshot")
	}

	c.submitRequest()
}

// Pending ...
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Tick drives the requester's timeout: past the deadline the request is
// re-sent, and once the retry budget is spent the failure surfaces.
func (c *Coordinator) Tick(now time.Time) {
	c.mu.Lock()
	if !c.pending || now.Sub(c.requestedAt) < c.timeout {
		c.mu.Unlock()
		return
	}

	c.retries++
	if c.retries > c.maxRetries {
		c.pending = false
		retries := c.retries
		c.mu.Unlock()

		if c.arbiter != nil {
			c.arbiter.SetResyncPending(false)
		}
		err := common.NewSyncErr("resync", common.ResyncTimeout, strconv.Itoa(retries))
		if c.logger != nil {
			c.logger.WithError(err).Error("resync abandoned")
		}
		if c.onFailure != nil {
			c.onFailure(err)
		}
		return
	}

	c.requestedAt = now
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.WithField("retry", c.retries).Warn("resync re-request")
	}
	c.submitRequest()
}

// OnSnapshot installs an authoritative snapshot: prediction pauses, the
// world reloads, both frame cursors jump to the snapshot frame, and all
// windows (ring, history, populated tracking) are cleared and the arbiter's
// desync state is reset, so the session continues as if freshly
// initialized at that frame. Hash reports already held by the arbiter are
// kept.
func (c *Coordinator) OnSnapshot(snap *world.Snapshot) error {
	c.pred.SetEnabled(false)

	if err := c.w.LoadSnapshot(snap); err != nil {
		c.pred.SetEnabled(true)
		if c.logger != nil {
			c.logger.WithError(err).Error("snapshot load failed")
		}
		return err
	}

	c.pred.SetFrames(snap.Frame)
	c.ring.Clear()
	c.hist.Clear()

	if c.arbiter != nil {
		c.arbiter.ClearDesync()
	}

	c.mu.Lock()
	c.pending = false
	c.retries = 0
	// Forget snapshot-populated clients so subsequent joins fire on_connect
	// again.
	c.populated = make(map[string]bool)
	c.mu.Unlock()

	c.pred.SetEnabled(true)

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"frame": snap.Frame,
			"hash":  snap.Hash,
		}).Info("resync complete")
	}

	return nil
}

// MarkPopulated records that a client came from a snapshot load.
func (c *Coordinator) MarkPopulated(client string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.populated[client] = true
}

// IsPopulated ...
func (c *Coordinator) IsPopulated(client string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.populated[client]
}

// ClearPopulated forgets a single client, so a later join for the same id
// counts as a fresh connect again.
func (c *Coordinator) ClearPopulated(client string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.populated, client)
}

// OnResyncRequest is the authority half: latch the requesting peer for a
// snapshot upload after the next tick. A newer request replaces the target.
func (c *Coordinator) OnResyncRequest(peer string) {
	if peer == c.localID {
		return
	}
	c.mu.Lock()
	c.uploadTarget = peer
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.WithField("peer", peer).Info("snapshot upload latched")
	}
}

// AfterTick runs on the authority after world.Tick completes. If an upload
// is latched it produces a fresh snapshot — never a cached one, since the
// world may be continuously spawning entities — stamps it with the frame,
// and sends it.
func (c *Coordinator) AfterTick(frame uint64) {
	c.mu.Lock()
	target := c.uploadTarget
	c.uploadTarget = ""
	c.mu.Unlock()

	if target == "" {
		return
	}

	snap, err := c.w.Snapshot()
	if err != nil {
		if c.logger != nil {
			c.logger.WithError(err).Error("authority snapshot failed")
		}
		return
	}
	snap.Frame = frame

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"target": target,
			"frame":  frame,
		}).Info("uploading resync snapshot")
	}

	c.sendSnapshot(target, snap)
}

// Reset clears both halves.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = false
	c.retries = 0
	c.uploadTarget = ""
	c.populated = make(map[string]bool)
}
