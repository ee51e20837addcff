// Package world defines the simulation collaborator. The engine treats the
// world as opaque: it ticks it, fingerprints it, and snapshots/restores it,
// but never looks inside. Determinism is the world's contract — identical
// inputs in identical order must produce bit-exact identical state.
package world

// Snapshot is an opaque serialized world state, tagged with the frame it was
// taken at and the state hash over the canonical entity ordering.
type Snapshot struct {
	Frame uint64
	Hash  uint32
	Data  []byte
}

// InputEntry is one client's input applied at a tick.
type InputEntry struct {
	Client string
	Data   []byte
}

// World is the simulation collaborator.
type World interface {
	// Tick advances the world exactly one step. Within a forward pass it is
	// called once per frame number, but rollback re-ticks past frames;
	// implementations must not assume monotonically increasing frames.
	Tick(frame uint64, inputs []InputEntry)

	// Snapshot produces a bit-exact serialization of the current state.
	Snapshot() (*Snapshot, error)

	// LoadSnapshot restores a previously captured state.
	LoadSnapshot(snapshot *Snapshot) error

	// StateHash fingerprints the current state.
	StateHash() uint32

	// EntityCount returns the number of live entities.
	EntityCount() uint32
}

// Partitioned is the optional extension the delta distributor needs: a
// world that can enumerate its entities and exchange per-partition state.
type Partitioned interface {
	World

	// EntityIDs returns the live entity IDs in ascending order.
	EntityIDs() []uint32

	// EncodeEntities serializes the given entities deterministically. The
	// ids slice is already sorted.
	EncodeEntities(ids []uint32) ([]byte, error)

	// MergeEntities applies a remote-authoritative entity payload to the
	// local view.
	MergeEntities(data []byte) error
}

// LifecycleEvent is surfaced to the game layer when join/leave/resync
// events are applied or undone during rollback.
type LifecycleEvent struct {
	Frame  uint64
	Client string
	Kind   string
	Seq    uint32
}
