// Package dummy provides a small deterministic world used by tests and the
// demo CLI. Entities live on an integer grid in 16.16 fixed point; every
// mutation is driven by decoded inputs applied in the caller's order, so
// identical inputs in identical order always produce bit-exact state.
package dummy

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/meshforge/lockstep/src/common"
	"github.com/meshforge/lockstep/src/world"
)

// Input opcodes.
const (
	// OpMove moves every entity owned by the sending client by (A, B).
	OpMove uint8 = iota + 1
	// OpSpawn creates A entities of kind B, owned by the sender.
	OpSpawn
	// OpDespawn removes entity with ID A if the sender owns it.
	OpDespawn
)

// Command is one decoded input operation.
type Command struct {
	Op uint8
	A  int32
	B  int32
}

// EncodeCommands packs commands into an input payload.
func EncodeCommands(cmds ...Command) []byte {
	buf := make([]byte, 0, 9*len(cmds))
	for _, c := range cmds {
		var tmp [9]byte
		tmp[0] = c.Op
		binary.LittleEndian.PutUint32(tmp[1:5], uint32(c.A))
		binary.LittleEndian.PutUint32(tmp[5:9], uint32(c.B))
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// DecodeCommands unpacks an input payload; trailing garbage is ignored.
func DecodeCommands(data []byte) []Command {
	cmds := []Command{}
	for len(data) >= 9 {
		cmds = append(cmds, Command{
			Op: data[0],
			A:  int32(binary.LittleEndian.Uint32(data[1:5])),
			B:  int32(binary.LittleEndian.Uint32(data[5:9])),
		})
		data = data[9:]
	}
	return cmds
}

// Entity is a grid occupant. Positions are 16.16 fixed point.
type Entity struct {
	ID    uint32
	Kind  uint8
	Owner uint32
	X     int32
	Y     int32
}

const entityWireSize = 4 + 1 + 4 + 4 + 4

// State implements world.Partitioned.
type State struct {
	mu sync.Mutex

	entities map[uint32]*Entity
	owners   map[string]uint32
	ownerSeq uint32
	nextID   uint32
}

// NewState ...
func NewState() *State {
	return &State{
		entities: make(map[uint32]*Entity),
		owners:   make(map[string]uint32),
		nextID:   1,
	}
}

// ownerTag interns a client string to a stable integer for entity ownership.
// Tags are part of the snapshot so restored worlds agree with live ones.
func (s *State) ownerTag(client string) uint32 {
	if tag, ok := s.owners[client]; ok {
		return tag
	}
	s.ownerSeq++
	s.owners[client] = s.ownerSeq
	return s.ownerSeq
}

// Tick implements world.World.
func (s *State) Tick(frame uint64, inputs []world.InputEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range inputs {
		owner := s.ownerTag(in.Client)
		for _, cmd := range DecodeCommands(in.Data) {
			switch cmd.Op {
			case OpMove:
				for _, id := range s.sortedIDs() {
					e := s.entities[id]
					if e.Owner == owner {
						e.X += cmd.A
						e.Y += cmd.B
					}
				}
			case OpSpawn:
				for i := int32(0); i < cmd.A; i++ {
					id := s.nextID
					s.nextID++
					s.entities[id] = &Entity{
						ID:    id,
						Kind:  uint8(cmd.B),
						Owner: owner,
						// Deterministic spawn spread derived from the ID.
						X: int32(id%64) << 16,
						Y: int32(id/64) << 16,
					}
				}
			case OpDespawn:
				if e, ok := s.entities[uint32(cmd.A)]; ok && e.Owner == owner {
					delete(s.entities, uint32(cmd.A))
				}
			}
		}
	}
}

func (s *State) sortedIDs() []uint32 {
	ids := make([]uint32, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *State) encodeEntity(buf []byte, e *Entity) {
	binary.LittleEndian.PutUint32(buf[0:4], e.ID)
	buf[4] = e.Kind
	binary.LittleEndian.PutUint32(buf[5:9], e.Owner)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(e.X))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(e.Y))
}

func (s *State) decodeEntity(buf []byte) *Entity {
	return &Entity{
		ID:    binary.LittleEndian.Uint32(buf[0:4]),
		Kind:  buf[4],
		Owner: binary.LittleEndian.Uint32(buf[5:9]),
		X:     int32(binary.LittleEndian.Uint32(buf[9:13])),
		Y:     int32(binary.LittleEndian.Uint32(buf[13:17])),
	}
}

// canonical serializes the full state in ascending entity order, prefixed
// with the counters, so both the snapshot and the state hash share one
// canonical byte form.
func (s *State) canonical() []byte {
	ids := s.sortedIDs()

	// Owner table, sorted by client string.
	clients := make([]string, 0, len(s.owners))
	for c := range s.owners {
		clients = append(clients, c)
	}
	sort.Strings(clients)

	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], s.nextID)
	binary.LittleEndian.PutUint32(buf[4:8], s.ownerSeq)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(clients)))

	for _, c := range clients {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(c)))
		buf = append(buf, l[:]...)
		buf = append(buf, c...)
		var tag [4]byte
		binary.LittleEndian.PutUint32(tag[:], s.owners[c])
		buf = append(buf, tag[:]...)
	}

	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(ids)))
	buf = append(buf, count[:]...)

	for _, id := range ids {
		var ebuf [entityWireSize]byte
		s.encodeEntity(ebuf[:], s.entities[id])
		buf = append(buf, ebuf[:]...)
	}

	return buf
}

// Snapshot implements world.World.
func (s *State) Snapshot() (*world.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.canonical()
	return &world.Snapshot{
		Hash: common.Hash32(data, 0),
		Data: data,
	}, nil
}

// LoadSnapshot implements world.World.
func (s *State) LoadSnapshot(snap *world.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := snap.Data
	if len(data) < 16 {
		return fmt.Errorf("snapshot truncated: %d bytes", len(data))
	}

	nextID := binary.LittleEndian.Uint32(data[0:4])
	ownerSeq := binary.LittleEndian.Uint32(data[4:8])
	nClients := binary.LittleEndian.Uint32(data[8:12])
	data = data[12:]

	owners := make(map[string]uint32, nClients)
	for i := uint32(0); i < nClients; i++ {
		if len(data) < 4 {
			return fmt.Errorf("snapshot truncated in owner table")
		}
		l := binary.LittleEndian.Uint32(data[0:4])
		data = data[4:]
		if uint32(len(data)) < l+4 {
			return fmt.Errorf("snapshot truncated in owner table")
		}
		client := string(data[:l])
		data = data[l:]
		owners[client] = binary.LittleEndian.Uint32(data[0:4])
		data = data[4:]
	}

	if len(data) < 4 {
		return fmt.Errorf("snapshot truncated before entities")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	data = data[4:]

	if uint32(len(data)) < count*entityWireSize {
		return fmt.Errorf("snapshot truncated in entities")
	}

	entities := make(map[uint32]*Entity, count)
	for i := uint32(0); i < count; i++ {
		e := s.decodeEntity(data[i*entityWireSize:])
		entities[e.ID] = e
	}

	s.nextID = nextID
	s.ownerSeq = ownerSeq
	s.owners = owners
	s.entities = entities

	return nil
}

// StateHash implements world.World.
func (s *State) StateHash() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return common.Hash32(s.canonical(), 0)
}

// EntityCount implements world.World.
func (s *State) EntityCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.entities))
}

// EntityIDs implements world.Partitioned.
func (s *State) EntityIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedIDs()
}

// EncodeEntities implements world.Partitioned.
func (s *State) EncodeEntities(ids []uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 0, len(ids)*entityWireSize)
	for _, id := range ids {
		e, ok := s.entities[id]
		if !ok {
			continue
		}
		var ebuf [entityWireSize]byte
		s.encodeEntity(ebuf[:], e)
		buf = append(buf, ebuf[:]...)
	}
	return buf, nil
}

// MergeEntities implements world.Partitioned.
func (s *State) MergeEntities(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data)%entityWireSize != 0 {
		return fmt.Errorf("delta payload not a whole number of entities: %d bytes", len(data))
	}

	for off := 0; off < len(data); off += entityWireSize {
		e := s.decodeEntity(data[off:])
		s.entities[e.ID] = e
		if e.ID >= s.nextID {
			s.nextID = e.ID + 1
		}
	}
	return nil
}

// Spawn is a convenience for tests and the demo: an immediate spawn outside
// the input path.
func (s *State) Spawn(client string, kind uint8, count int) {
	s.Tick(0, []world.InputEntry{{
		Client: client,
		Data:   EncodeCommands(Command{Op: OpSpawn, A: int32(count), B: int32(kind)}),
	}})
}
