// Package prediction runs the local world ahead of the last confirmed frame
// and reconciles it with authoritative inputs: on disagreement it rewinds to
// a snapshot and resimulates forward with the corrected history.
package prediction

import (
	"strconv"

	"github.com/meshforge/lockstep/src/common"
	"github.com/meshforge/lockstep/src/history"
	"github.com/meshforge/lockstep/src/snapring"
	"github.com/meshforge/lockstep/src/world"
	"github.com/sirupsen/logrus"
)

// Config ...
type Config struct {
	// MaxPredictionFrames bounds how far the local frame may run ahead of
	// the confirmed frame.
	MaxPredictionFrames int

	// InputDelayFrames is how many frames ahead local inputs are scheduled.
	// By the time the local frame reaches the placement frame the input is
	// already confirmed and cannot be mispredicted against itself.
	InputDelayFrames int

	// SnapshotInterval is the number of frames between mandatory ring
	// snapshots.
	SnapshotInterval int
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		MaxPredictionFrames: 10,
		InputDelayFrames:    2,
		SnapshotInterval:    1,
	}
}

// Stats ...
type Stats struct {
	RollbackCount     int `json:"rollbackCount"`
	FramesResimulated int `json:"framesResimulated"`
	MaxRollbackDepth  int `json:"maxRollbackDepth"`
}

// Manager orchestrates local ticking, rollback, resimulation, and
// lifecycle-event undo/replay. It is owned by the simulation goroutine and
// is not safe for concurrent use.
type Manager struct {
	conf    Config
	localID string

	world world.World
	hist  *history.History
	ring  *snapring.Ring

	localFrame     uint64
	confirmedFrame uint64
	enabled        bool

	// applied tracks which lifecycle events have fired, keyed per frame by
	// (client, seq) — seq is only monotonic per producer, so two peers'
	// events can share a seq at the same frame. Replay fires each event
	// exactly once and undo reverses them.
	applied map[uint64]map[appliedKey]bool

	stats Stats

	// Callback slots. Setting a slot replaces the previous value; there is
	// deliberately no subscriber chaining.
	onRollback           func(from, to uint64)
	onLifecycleEvent     func(world.LifecycleEvent)
	onUndoLifecycleEvent func(world.LifecycleEvent)
	inputsCallback       func(frame uint64, inputs []world.InputEntry) []world.InputEntry

	logger *logrus.Entry
}

// NewManager ...
func NewManager(conf Config, localID string, w world.World, hist *history.History, ring *snapring.Ring, logger *logrus.Entry) *Manager {
	if conf.MaxPredictionFrames <= 0 {
		conf.MaxPredictionFrames = DefaultConfig().MaxPredictionFrames
	}
	if conf.SnapshotInterval <= 0 {
		conf.SnapshotInterval = 1
	}
	return &Manager{
		conf:    conf,
		localID: localID,
		world:   w,
		hist:    hist,
		ring:    ring,
		enabled: true,
		applied: make(map[uint64]map[appliedKey]bool),
		logger:  logger,
	}
}

// appliedKey identifies one lifecycle event within a frame.
type appliedKey struct {
	client string
	seq    uint32
}

// SetOnRollback installs the rollback callback, replacing any previous one.
func (m *Manager) SetOnRollback(fn func(from, to uint64)) { m.onRollback = fn }

// SetOnLifecycleEvent installs the lifecycle-apply callback.
func (m *Manager) SetOnLifecycleEvent(fn func(world.LifecycleEvent)) { m.onLifecycleEvent = fn }

// SetOnUndoLifecycleEvent installs the lifecycle-undo callback.
func (m *Manager) SetOnUndoLifecycleEvent(fn func(world.LifecycleEvent)) {
	m.onUndoLifecycleEvent = fn
}

// SetInputsCallback installs the input substitution hook invoked with the
// assembled inputs before each tick.
func (m *Manager) SetInputsCallback(fn func(frame uint64, inputs []world.InputEntry) []world.InputEntry) {
	m.inputsCallback = fn
}

// LocalFrame ...
func (m *Manager) LocalFrame() uint64 { return m.localFrame }

// ConfirmedFrame ...
func (m *Manager) ConfirmedFrame() uint64 { return m.confirmedFrame }

// Depth returns the prediction depth: local frame minus confirmed frame.
func (m *Manager) Depth() int { return int(m.localFrame - m.confirmedFrame) }

// Enabled ...
func (m *Manager) Enabled() bool { return m.enabled }

// SetEnabled pauses or resumes advancement. While paused, Advance refuses.
func (m *Manager) SetEnabled(enabled bool) { m.enabled = enabled }

// Stats ...
func (m *Manager) Stats() Stats { return m.stats }

// QueueLocalInput schedules a local game input input_delay_frames ahead,
// already confirmed for the local peer.
func (m *Manager) QueueLocalInput(data []byte) {
	frame := m.localFrame + uint64(m.conf.InputDelayFrames)
	m.hist.Set(frame, m.localID, data, true)
}

// QueueLifecycle schedules a lifecycle record at the given frame.
func (m *Manager) QueueLifecycle(frame uint64, rec history.Record) {
	m.hist.QueueLifecycle(frame, rec)
}

// Advance runs one predicted frame. It refuses while disabled or when the
// prediction depth has reached its budget, returning false without
// advancing.
func (m *Manager) Advance() bool {
	if !m.enabled {
		return false
	}
	if m.Depth() >= m.conf.MaxPredictionFrames {
		return false
	}

	if m.localFrame%uint64(m.conf.SnapshotInterval) == 0 {
		m.saveSnapshot(m.localFrame)
	}

	m.localFrame++
	m.simulate(m.localFrame)
	m.refreshConfirmed()

	return true
}

// refreshConfirmed advances the confirmed frame over every simulated frame
// that has settled. With per-peer confirmations trickling in ahead of the
// local frame, this is where a frame graduates from predicted to settled.
func (m *Manager) refreshConfirmed() {
	for f := m.confirmedFrame + 1; f <= m.localFrame; f++ {
		if !m.hist.Settled(f) {
			return
		}
		m.confirmedFrame = f
	}
}

// simulate assembles inputs, replays lifecycle events, and ticks the world
// for one frame. Shared by the forward path and rollback resimulation.
func (m *Manager) simulate(frame uint64) {
	inputs := m.assembleInputs(frame)

	if m.inputsCallback != nil {
		inputs = m.inputsCallback(frame, inputs)
	}

	m.replayLifecycle(frame)

	m.world.Tick(frame, inputs)
}

// assembleInputs builds the frame's input list in ascending sorted peer
// order: the confirmed record if present, otherwise a fresh repeat-last
// prediction recorded back into the history as a predicted placeholder.
// The prediction repeats the peer's entry at the previous frame, so a
// confirmation already queued for a later frame is not pulled backwards;
// only when that entry is missing does it fall back to the newest
// confirmed payload. Stale predictions are re-derived rather than reused,
// so resimulation after a correction predicts from the corrected input.
func (m *Manager) assembleInputs(frame uint64) []world.InputEntry {
	inputs := []world.InputEntry{}
	for _, peer := range m.hist.ActivePeers() {
		entry, ok := m.hist.Get(frame, peer)
		if !ok || !entry.Confirmed {
			var predicted []byte
			if prev, ok := m.hist.Get(frame-1, peer); frame > 0 && ok {
				predicted = prev.Data
			} else {
				predicted = m.hist.PredictLast(peer)
			}
			m.hist.Set(frame, peer, predicted, false)
			inputs = append(inputs, world.InputEntry{Client: peer, Data: predicted})
			continue
		}
		inputs = append(inputs, world.InputEntry{Client: peer, Data: entry.Data})
	}
	return inputs
}

func (m *Manager) replayLifecycle(frame uint64) {
	for _, rec := range m.hist.LifecycleEvents(frame) {
		if m.isApplied(frame, rec) {
			continue
		}
		m.markApplied(frame, rec)
		m.fireLifecycle(frame, rec)
	}
}

func (m *Manager) fireLifecycle(frame uint64, rec history.Record) {
	if m.onLifecycleEvent != nil {
		m.onLifecycleEvent(world.LifecycleEvent{
			Frame:  frame,
			Client: rec.Client,
			Kind:   rec.Kind.String(),
			Seq:    rec.Seq,
		})
	}
}

func (m *Manager) saveSnapshot(frame uint64) {
	snap, err := m.world.Snapshot()
	if err != nil {
		if m.logger != nil {
			m.logger.WithError(err).WithField("frame", frame).Error("snapshot failed")
		}
		return
	}
	snap.Frame = frame
	m.ring.Save(frame, snap)
}

// ReceiveServerTick ingests authoritative inputs for a frame. It returns
// true when a rollback was executed. Confirmations older than the confirmed
// frame are dropped silently.
func (m *Manager) ReceiveServerTick(frame uint64, records []history.Record) bool {
	if frame < m.confirmedFrame {
		if m.logger != nil {
			m.logger.WithFields(logrus.Fields{
				"frame":     frame,
				"confirmed": m.confirmedFrame,
			}).Debug("stale confirmation dropped")
		}
		return false
	}

	if frame > m.localFrame {
		// The future frame has not been simulated; lifecycle events fire
		// immediately and the inputs wait as confirmed entries.
		for _, rec := range records {
			if rec.IsLifecycle() {
				m.hist.QueueLifecycle(frame, rec)
				m.markApplied(frame, rec)
				m.fireLifecycle(frame, rec)
				continue
			}
			m.hist.Set(frame, rec.Client, rec.Data, true)
		}
		m.refreshConfirmed()
		return false
	}

	mispredicted := false
	forced := false

	for _, rec := range records {
		if rec.IsLifecycle() {
			// Entity creation/destruction diverges state even when every
			// subsequent game input was predicted correctly.
			forced = true
			m.hist.QueueLifecycle(frame, rec)
			continue
		}
		if !m.hist.Matches(frame, rec.Client, rec.Data) {
			mispredicted = true
		}
		m.hist.Set(frame, rec.Client, rec.Data, true)
	}

	if frame > m.confirmedFrame {
		m.confirmedFrame = frame
	}

	if mispredicted || forced {
		m.executeRollback(frame)
		m.refreshConfirmed()
		return true
	}

	m.refreshConfirmed()
	return false
}

// executeRollback rewinds the world to the end of frame-1 and resimulates
// through the current local frame with the corrected history.
func (m *Manager) executeRollback(frame uint64) {
	if frame == 0 {
		return
	}

	snap, err := m.ring.Load(frame - 1)
	if err != nil {
		// The target is older than the ring. Desync detection will catch
		// the divergence and trigger a resync instead.
		if m.logger != nil {
			m.logger.WithError(common.NewSyncErr("prediction", common.MissingSnapshot,
				strconv.FormatUint(frame-1, 10))).Warn("rollback aborted")
		}
		return
	}

	from := m.localFrame

	// Undo lifecycle events in descending frame order so the game layer can
	// reverse side effects that live outside the world snapshot.
	for f := from; f >= frame; f-- {
		events := m.hist.LifecycleEvents(f)
		for i := len(events) - 1; i >= 0; i-- {
			rec := events[i]
			if !m.isApplied(f, rec) {
				continue
			}
			m.unmarkApplied(f, rec)
			if m.onUndoLifecycleEvent != nil {
				m.onUndoLifecycleEvent(world.LifecycleEvent{
					Frame:  f,
					Client: rec.Client,
					Kind:   rec.Kind.String(),
					Seq:    rec.Seq,
				})
			}
		}
	}

	if err := m.world.LoadSnapshot(snap); err != nil {
		if m.logger != nil {
			m.logger.WithError(err).Error("load snapshot failed")
		}
		return
	}

	for f := frame; f <= from; f++ {
		m.simulate(f)
		m.saveSnapshot(f)
	}

	depth := int(from - frame + 1)
	m.stats.RollbackCount++
	m.stats.FramesResimulated += depth
	if depth > m.stats.MaxRollbackDepth {
		m.stats.MaxRollbackDepth = depth
	}

	if m.logger != nil {
		m.logger.WithFields(logrus.Fields{
			"from":  from,
			"to":    frame,
			"depth": depth,
		}).Debug("rollback")
	}

	if m.onRollback != nil {
		m.onRollback(from, frame)
	}
}

// SetFrames force-positions both frame cursors; used when loading a resync
// snapshot.
func (m *Manager) SetFrames(frame uint64) {
	m.localFrame = frame
	m.confirmedFrame = frame
}

// EvictBefore trims history, ring, and lifecycle bookkeeping older than
// frame.
func (m *Manager) EvictBefore(frame uint64) {
	m.hist.EvictBefore(frame)
	m.ring.EvictBefore(frame)
	for f := range m.applied {
		if f < frame {
			delete(m.applied, f)
		}
	}
}

// Reset restores the initial state: frame cursors to zero, cleared ring,
// history, lifecycle bookkeeping, and stats.
func (m *Manager) Reset() {
	m.localFrame = 0
	m.confirmedFrame = 0
	m.enabled = true
	m.stats = Stats{}
	m.applied = make(map[uint64]map[appliedKey]bool)
	m.ring.Clear()
	m.hist.Clear()
}

func (m *Manager) isApplied(frame uint64, rec history.Record) bool {
	return m.applied[frame][appliedKey{client: rec.Client, seq: rec.Seq}]
}

func (m *Manager) markApplied(frame uint64, rec history.Record) {
	set, ok := m.applied[frame]
	if !ok {
		set = make(map[appliedKey]bool)
		m.applied[frame] = set
	}
	set[appliedKey{client: rec.Client, seq: rec.Seq}] = true
}

func (m *Manager) unmarkApplied(frame uint64, rec history.Record) {
	if set, ok := m.applied[frame]; ok {
		delete(set, appliedKey{client: rec.Client, seq: rec.Seq})
	}
}
