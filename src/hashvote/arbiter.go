// Package hashvote implements the distributed state-hash consensus: peers
// exchange 32-bit state fingerprints each tick, and the hash held by
// strictly more than half of the reports defines the canonical state.
// Minority peers flag themselves desynced and request resynchronization.
package hashvote

import (
	"strconv"
	"sync"

	"github.com/meshforge/lockstep/src/common"
	"github.com/sirupsen/logrus"
)

// DefaultWindow is how many frames of hash reports are retained.
const DefaultWindow = 32

// Stats is the externally reported sync tier.
type Stats struct {
	SyncPercent   float64 `json:"syncPercent"`
	Passed        int     `json:"passed"`
	Failed        int     `json:"failed"`
	IsDesynced    bool    `json:"isDesynced"`
	ResyncPending bool    `json:"resyncPending"`
	DesyncFrame   uint64  `json:"desyncFrame,omitempty"`
	LocalHash     uint32  `json:"localHash,omitempty"`
	MajorityHash  uint32  `json:"majorityHash,omitempty"`
}

// Arbiter aggregates per-frame hash reports and diagnoses local desync.
type Arbiter struct {
	mu sync.Mutex

	localID string
	window  uint64

	reports  map[uint64]map[string]uint32
	verdicts map[uint64]common.Trilean

	passed int
	failed int

	desynced      bool
	resyncPending bool
	desyncFrame   uint64
	localHash     uint32
	majorityHash  uint32

	// onDesync fires once per detected desync, outside the lock.
	onDesync func(frame uint64, local, majority uint32)

	logger *logrus.Entry
}

// NewArbiter ...
func NewArbiter(localID string, window uint64, logger *logrus.Entry) *Arbiter {
	if window == 0 {
		window = DefaultWindow
	}
	return &Arbiter{
		localID:  localID,
		window:   window,
		reports:  make(map[uint64]map[string]uint32),
		verdicts: make(map[uint64]common.Trilean),
		logger:   logger,
	}
}

// SetDesyncHandler installs the desync callback, replacing any previous one.
func (a *Arbiter) SetDesyncHandler(fn func(frame uint64, local, majority uint32)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDesync = fn
}

// RecordLocal stores this peer's own hash for a frame.
func (a *Arbiter) RecordLocal(frame uint64, hash uint32) {
	a.record(a.localID, frame, hash)
}

// OnPeerHash stores a remote report. Reports for frames already judged are
// dropped.
func (a *Arbiter) OnPeerHash(peer string, frame uint64, hash uint32) {
	a.record(peer, frame, hash)
}

func (a *Arbiter) record(peer string, frame uint64, hash uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, judged := a.verdicts[frame]; judged {
		return
	}

	m, ok := a.reports[frame]
	if !ok {
		m = make(map[string]uint32)
		a.reports[frame] = m
	}
	m[peer] = hash
}

// Ready reports whether frame can be evaluated without forcing: the local
// hash is in and every active peer has reported.
func (a *Arbiter) Ready(frame uint64, activePeers []string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.reports[frame]
	if !ok {
		return false
	}
	if _, ok := m[a.localID]; !ok {
		return false
	}
	for _, p := range activePeers {
		if _, ok := m[p]; !ok {
			return false
		}
	}
	return true
}

// Evaluate computes the majority hash for a frame and judges the local
// state against it. It is called either when every active peer has
// reported, or when the ack window deadline passes. The verdict is
// Undefined when no hash holds strictly more than half of the reports; that
// case emits a no_majority_hash warning and does not flag desync.
func (a *Arbiter) Evaluate(frame uint64) common.Trilean {
	a.mu.Lock()

	if v, judged := a.verdicts[frame]; judged {
		a.mu.Unlock()
		return v
	}

	m := a.reports[frame]
	local, hasLocal := m[a.localID]
	if !hasLocal {
		// Nothing to judge the local state against.
		a.mu.Unlock()
		return common.Undefined
	}

	majority, err := majorityHash(m)
	if err != nil {
		a.verdicts[frame] = common.Undefined
		a.mu.Unlock()
		if a.logger != nil {
			a.logger.WithFields(logrus.Fields{
				"frame":   frame,
				"reports": len(m),
			}).Warn("no_majority_hash")
		}
		return common.Undefined
	}

	var verdict common.Trilean
	var fire func(frame uint64, local, majority uint32)

	if local == majority {
		verdict = common.True
		a.passed++
	} else {
		verdict = common.False
		a.failed++
		a.desynced = true
		a.desyncFrame = frame
		a.localHash = local
		a.majorityHash = majority
		fire = a.onDesync
	}
	a.verdicts[frame] = verdict
	a.mu.Unlock()

	if fire != nil {
		fire(frame, local, majority)
	}

	return verdict
}

// majorityHash returns the hash held by strictly more than half of the
// reports. Among equally common hashes the smallest wins the candidacy, but
// it still needs the strict majority; otherwise a NoMajority error is
// returned.
func majorityHash(reports map[string]uint32) (uint32, error) {
	counts := make(map[uint32]int, len(reports))
	for _, h := range reports {
		counts[h]++
	}

	best := uint32(0)
	bestCount := 0
	for h, c := range counts {
		if c > bestCount || (c == bestCount && h < best) {
			best = h
			bestCount = c
		}
	}

	if 2*bestCount <= len(reports) {
		return 0, common.NewSyncErr("hashvote", common.NoMajority, strconv.Itoa(len(reports)))
	}

	return best, nil
}

// EvictBefore drops reports and verdicts older than frame. The engine calls
// it with local_frame - hash_window.
func (a *Arbiter) EvictBefore(frame uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for f := range a.reports {
		if f < frame {
			delete(a.reports, f)
		}
	}
	for f := range a.verdicts {
		if f < frame {
			delete(a.verdicts, f)
		}
	}
}

// SetResyncPending flips the pending flag reported in Stats.
func (a *Arbiter) SetResyncPending(pending bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resyncPending = pending
}

// ClearDesync resets the desync diagnosis after a successful resync.
func (a *Arbiter) ClearDesync() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.desynced = false
	a.resyncPending = false
	a.desyncFrame = 0
	a.localHash = 0
	a.majorityHash = 0
}

// IsDesynced ...
func (a *Arbiter) IsDesynced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.desynced
}

// Stats returns the externally visible sync tier.
func (a *Arbiter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		Passed:        a.passed,
		Failed:        a.failed,
		IsDesynced:    a.desynced,
		ResyncPending: a.resyncPending,
		DesyncFrame:   a.desyncFrame,
		LocalHash:     a.localHash,
		MajorityHash:  a.majorityHash,
	}
	if total := a.passed + a.failed; total > 0 {
		s.SyncPercent = float64(a.passed) / float64(total) * 100
	}
	return s
}

// Reset discards everything.
func (a *Arbiter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = make(map[uint64]map[string]uint32)
	a.verdicts = make(map[uint64]common.Trilean)
	a.passed = 0
	a.failed = 0
	a.desynced = false
	a.resyncPending = false
	a.desyncFrame = 0
	a.localHash = 0
	a.majorityHash = 0
}
