// Package snapring holds the fixed-capacity ring of world snapshots that
// rollback restores from. Slots are keyed modulo capacity; capacity must be
// at least max_prediction_frames+1 so that every frame in
// [confirmed_frame, local_frame] keeps a snapshot.
package snapring

import (
	"strconv"

	"github.com/meshforge/lockstep/src/common"
	"github.com/meshforge/lockstep/src/world"
)

type slot struct {
	frame    uint64
	snapshot *world.Snapshot
	valid    bool
}

// Ring is the snapshot ring buffer. The ring owns its slots; callers must
// not mutate a snapshot after saving it.
type Ring struct {
	slots []slot
}

// New creates a ring with the given capacity.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		slots: make([]slot, capacity),
	}
}

// Capacity ...
func (r *Ring) Capacity() int {
	return len(r.slots)
}

// Save stores a snapshot for frame, evicting whatever previously occupied
// the slot.
func (r *Ring) Save(frame uint64, snapshot *world.Snapshot) {
	s := &r.slots[frame%uint64(len(r.slots))]
	s.frame = frame
	s.snapshot = snapshot
	s.valid = true
}

// Load returns the snapshot saved for frame, or a TooLate error if the slot
// has been reused or never filled.
func (r *Ring) Load(frame uint64) (*world.Snapshot, error) {
	s := r.slots[frame%uint64(len(r.slots))]
	if !s.valid || s.frame != frame {
		return nil, common.NewSyncErr("snapring", common.TooLate, strconv.FormatUint(frame, 10))
	}
	return s.snapshot, nil
}

// EvictBefore invalidates every slot older than frame.
func (r *Ring) EvictBefore(frame uint64) {
	for i := range r.slots {
		if r.slots[i].valid && r.slots[i].frame < frame {
			r.slots[i] = slot{}
		}
	}
}

// Clear invalidates every slot.
func (r *Ring) Clear() {
	for i := range r.slots {
		r.slots[i] = slot{}
	}
}
