// Package history stores the bounded window of per-frame client inputs that
// prediction and rollback replay from. Iteration over a frame's inputs is
// always in sorted client order; that ordering is a correctness contract,
// not an optimization.
package history

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/meshforge/lockstep/src/common"
)

// Kind discriminates game inputs from lifecycle events.
type Kind uint8

const (
	// Game is an ordinary game input, opaque to the engine.
	Game Kind = iota
	// Join announces a new participant.
	Join
	// Leave announces a departing participant.
	Leave
	// ResyncRequest asks the authority for a fresh snapshot.
	ResyncRequest
)

var kindNames = []string{"game", "join", "leave", "resync_request"}

// String ...
func (k Kind) String() string {
	return kindNames[k]
}

// Record is a single client input: a producer-assigned sequence number, the
// producing client, and either an opaque game payload or a lifecycle kind.
type Record struct {
	Seq    uint32
	Client string
	Kind   Kind
	Data   []byte
}

// IsLifecycle reports whether the record is a join/leave/resync event rather
// than a game input.
func (r Record) IsLifecycle() bool {
	return r.Kind != Game
}

// Entry is one client's input at one frame. A confirmed entry is
// authoritative; a predicted one is a repeat-last placeholder.
type Entry struct {
	Data      []byte
	Confirmed bool
}

type frameSet struct {
	entries map[string]*Entry
}

type lastConfirmed struct {
	frame uint64
	data  []byte
}

// History is the bounded input window.
type History struct {
	frames    map[uint64]*frameSet
	lifecycle map[uint64][]Record
	last      map[string]*lastConfirmed
	known     map[string]bool
}

// New ...
func New() *History {
	return &History{
		frames:    make(map[uint64]*frameSet),
		lifecycle: make(map[uint64][]Record),
		last:      make(map[string]*lastConfirmed),
		known:     make(map[string]bool),
	}
}

// Set records an input for (frame, client), overwriting any existing entry.
// Confirmed entries also update the client's repeat-last sample when they
// are at least as recent as the previous one.
func (h *History) Set(frame uint64, client string, data []byte, confirmed bool) {
	fs, ok := h.frames[frame]
	if !ok {
		fs = &frameSet{entries: make(map[string]*Entry)}
		h.frames[frame] = fs
	}

	fs.entries[client] = &Entry{Data: data, Confirmed: confirmed}
	h.known[client] = true

	if confirmed {
		if prev, ok := h.last[client]; !ok || frame >= prev.frame {
			h.last[client] = &lastConfirmed{frame: frame, data: data}
		}
	}
}

// Get returns the entry for (frame, client).
func (h *History) Get(frame uint64, client string) (*Entry, bool) {
	fs, ok := h.frames[frame]
	if !ok {
		return nil, false
	}
	e, ok := fs.entries[client]
	return e, ok
}

// FrameSet returns the client -> entry mapping for a frame, or an error if
// the frame holds nothing.
func (h *History) FrameSet(frame uint64) (map[string]*Entry, error) {
	fs, ok := h.frames[frame]
	if !ok {
		return nil, common.NewSyncErr("history", common.KeyNotFound, frameKey(frame))
	}
	return fs.entries, nil
}

// SortedClients returns the clients with entries at frame, sorted by ID.
func (h *History) SortedClients(frame uint64) []string {
	fs, ok := h.frames[frame]
	if !ok {
		return nil
	}
	clients := make([]string, 0, len(fs.entries))
	for c := range fs.entries {
		clients = append(clients, c)
	}
	sort.Strings(clients)
	return clients
}

// ActivePeers returns the sorted list of clients the history has seen.
func (h *History) ActivePeers() []string {
	res := make([]string, 0, len(h.known))
	for c := range h.known {
		res = append(res, c)
	}
	sort.Strings(res)
	return res
}

// RemovePeer forgets a client's repeat-last sample and presence. Entries
// already stored at past frames are kept so that rollback replays them.
func (h *History) RemovePeer(client string) {
	delete(h.known, client)
	delete(h.last, client)
}

// PredictLast returns the client's most recent confirmed payload, or nil if
// none exists. Nil means "empty input".
func (h *History) PredictLast(client string) []byte {
	if lc, ok := h.last[client]; ok {
		return lc.data
	}
	return nil
}

// Matches reports whether the stored entry for (frame, client) is confirmed
// and carries exactly the given payload.
func (h *History) Matches(frame uint64, client string, data []byte) bool {
	e, ok := h.Get(frame, client)
	if !ok || !e.Confirmed {
		return false
	}
	return bytes.Equal(e.Data, data)
}

// Settled reports whether every entry at frame is final: confirmed, or a
// prediction already superseded by a later confirmation from its peer
// (peers confirm in frame order, so a later confirmation means the earlier
// prediction will never be corrected), or left behind by a departed peer.
func (h *History) Settled(frame uint64) bool {
	fs, ok := h.frames[frame]
	if !ok {
		return false
	}
	for client, e := range fs.entries {
		if e.Confirmed {
			continue
		}
		if !h.known[client] {
			// Departed peer; its stale prediction stays as-is.
			continue
		}
		if lc, ok := h.last[client]; ok && lc.frame >= frame {
			continue
		}
		return false
	}
	return true
}

// QueueLifecycle inserts a lifecycle record at frame, keeping the per-frame
// queue ordered by producer sequence.
func (h *History) QueueLifecycle(frame uint64, rec Record) {
	queue := h.lifecycle[frame]
	pos := sort.Search(len(queue), func(i int) bool { return queue[i].Seq > rec.Seq })
	queue = append(queue, Record{})
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = rec
	h.lifecycle[frame] = queue
}

// LifecycleEvents returns the ordered lifecycle queue for frame.
func (h *History) LifecycleEvents(frame uint64) []Record {
	return h.lifecycle[frame]
}

// EvictBefore drops every frame (inputs and lifecycle queues) older than
// frame.
func (h *History) EvictBefore(frame uint64) {
	for f := range h.frames {
		if f < frame {
			delete(h.frames, f)
		}
	}
	for f := range h.lifecycle {
		if f < frame {
			delete(h.lifecycle, f)
		}
	}
}

// Clear discards everything, including repeat-last samples.
func (h *History) Clear() {
	h.frames = make(map[uint64]*frameSet)
	h.lifecycle = make(map[uint64][]Record)
	h.last = make(map[string]*lastConfirmed)
	h.known = make(map[string]bool)
}

func frameKey(frame uint64) string {
	return strconv.FormatUint(frame, 10)
}
