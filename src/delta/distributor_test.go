package delta

import (
	"encoding/binary"
	"testing"

	"github.com/meshforge/lockstep/src/common"
	"github.com/meshforge/lockstep/src/partition"
	"github.com/meshforge/lockstep/src/peers"
	"github.com/meshforge/lockstep/src/world"
)

// fakeWorld is a minimal Partitioned world: entity IDs 0..n-1, payloads
// encode the included IDs, merges are recorded.
type fakeWorld struct {
	count  uint32
	merged [][]byte
}

func (w *fakeWorld) Tick(frame uint64, inputs []world.InputEntry) {}
func (w *fakeWorld) Snapshot() (*world.Snapshot, error)           { return &world.Snapshot{}, nil }
func (w *fakeWorld) LoadSnapshot(snap *world.Snapshot) error      { return nil }
func (w *fakeWorld) StateHash() uint32                            { return 0 }
func (w *fakeWorld) EntityCount() uint32                          { return w.count }

func (w *fakeWorld) EntityIDs() []uint32 {
	ids := make([]uint32, w.count)
	for i := range ids {
		ids[i] = uint32(i)
	}
	return ids
}

func (w *fakeWorld) EncodeEntities(ids []uint32) ([]byte, error) {
	buf := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(buf[4*i:], id)
	}
	return buf, nil
}

func (w *fakeWorld) MergeEntities(data []byte) error {
	w.merged = append(w.merged, data)
	return nil
}

func testPeerSet() *peers.PeerSet {
	return peers.NewPeerSet([]*peers.Peer{
		peers.NewPeer("a", ""),
		peers.NewPeer("b", ""),
		peers.NewPeer("c", ""),
	})
}

type emitted struct {
	frame   uint64
	part    uint32
	payload []byte
}

func TestEmitOnlyAssignedPartitions(t *testing.T) {
	w := &fakeWorld{count: 100}
	sent := []emitted{}
	d := NewDistributor("a", 2, w, func(frame uint64, part uint32, payload []byte) {
		sent = append(sent, emitted{frame, part, payload})
	}, common.NewTestEntry(t, "delta"))

	assignment := d.Emit(42, testPeerSet())

	if assignment.NumPartitions != 4 {
		t.Fatalf("NumPartitions = %d, expected 4", assignment.NumPartitions)
	}

	own := assignment.PartitionsFor("a")
	if len(sent) != len(own) {
		t.Fatalf("emitted %d deltas, assigned %d partitions", len(sent), len(own))
	}

	// Every entity in an emitted payload belongs to the payload's partition.
	for _, e := range sent {
		for off := 0; off < len(e.payload); off += 4 {
			id := binary.LittleEndian.Uint32(e.payload[off:])
			if partition.EntityPartition(id, assignment.NumPartitions) != e.part {
				t.Fatalf("entity %d emitted in partition %d", id, e.part)
			}
		}
	}
}

// remotePartition finds a partition the local peer is not assigned to and
// returns it with one of its assigned senders.
func remotePartition(t *testing.T, assignment partition.Assignment, local string) (uint32, string) {
	for p := uint32(0); p < assignment.NumPartitions; p++ {
		if !assignment.IsSender(local, p) {
			return p, assignment.Senders[p][0]
		}
	}
	t.Skip("local peer assigned to every partition at this frame")
	return 0, ""
}

func TestOnDeltaFirstAssignedSenderWins(t *testing.T) {
	w := &fakeWorld{count: 100}
	d := NewDistributor("a", 2, w, func(uint64, uint32, []byte) {}, common.NewTestEntry(t, "delta"))

	assignment := d.Emit(42, testPeerSet())
	p, sender := remotePartition(t, assignment, "a")

	d.OnDelta(sender, 42, p, []byte{1})
	d.OnDelta(sender, 42, p, []byte{2}) // duplicate

	if got := d.Stats().DeltasReceived; got != 1 {
		t.Fatalf("DeltasReceived = %d, expected 1", got)
	}
}

func TestOnDeltaUnassignedSenderDiscarded(t *testing.T) {
	w := &fakeWorld{count: 100}
	d := NewDistributor("a", 2, w, func(uint64, uint32, []byte) {}, common.NewTestEntry(t, "delta"))

	assignment := d.Emit(42, testPeerSet())

	// Find a peer not assigned to partition 0.
	var outsider string
	for _, id := range []string{"b", "c"} {
		if !assignment.IsSender(id, 0) {
			outsider = id
			break
		}
	}
	if outsider == "" {
		t.Skip("both peers assigned to partition 0 at this frame")
	}

	d.OnDelta(outsider, 42, 0, []byte{1})

	if got := d.Stats().DeltasDropped; got != 1 {
		t.Fatalf("DeltasDropped = %d, expected 1", got)
	}
}

func TestOnDeltaBeforeEmitIsParkedThenValidated(t *testing.T) {
	w := &fakeWorld{count: 100}
	d := NewDistributor("a", 2, w, func(uint64, uint32, []byte) {}, nil)

	// The delta arrives before the local tick computed frame 42's
	// assignment: it must be parked, not counted either way.
	d.OnDelta("b", 42, 0, []byte{1})
	if s := d.Stats(); s.DeltasReceived != 0 || s.DeltasDropped != 0 {
		t.Fatalf("early delta judged prematurely: %+v", s)
	}

	assignment := d.Emit(42, testPeerSet())

	s := d.Stats()
	if assignment.IsSender("b", 0) {
		if s.DeltasReceived != 1 && !assignment.IsSender("a", 0) {
			t.Fatalf("parked delta from assigned sender not accepted: %+v", s)
		}
	} else if s.DeltasDropped != 1 {
		t.Fatalf("parked delta from unassigned sender not dropped: %+v", s)
	}
}

func TestFinalizeUpdatesReliability(t *testing.T) {
	w := &fakeWorld{count: 100}
	ps := testPeerSet()
	d := NewDistributor("a", 2, w, func(uint64, uint32, []byte) {}, common.NewTestEntry(t, "delta"))

	assignment := d.Emit(42, ps)

	// Deliver every remote slot for peer b, none for peer c.
	bSlots := 0
	for p := uint32(0); p < assignment.NumPartitions; p++ {
		if assignment.IsSender("b", p) {
			d.OnDelta("b", 42, p, []byte{byte(p)})
			bSlots++
		}
	}
	cSlots := len(assignment.PartitionsFor("c"))

	d.Finalize(42, ps)

	wantB := uint8(peers.DefaultReliability + bSlots)
	if got := ps.ByID["b"].Reliability; got != wantB {
		t.Fatalf("b reliability = %d, expected %d", got, wantB)
	}
	wantC := peers.DefaultReliability - 5*cSlots
	if wantC < 0 {
		wantC = 0
	}
	if got := ps.ByID["c"].Reliability; got != uint8(wantC) {
		t.Fatalf("c reliability = %d, expected %d", got, wantC)
	}
}

func TestFinalizeNormalWhenAllSlotsDeliver(t *testing.T) {
	w := &fakeWorld{count: 100}
	ps := testPeerSet()
	d := NewDistributor("a", 2, w, func(uint64, uint32, []byte) {}, common.NewTestEntry(t, "delta"))

	assignment := d.Emit(42, ps)

	for p := uint32(0); p < assignment.NumPartitions; p++ {
		for _, sender := range assignment.Senders[p] {
			if sender == "a" {
				continue
			}
			d.OnDelta(sender, 42, p, []byte{byte(p)})
		}
	}

	remoteOnly := int(assignment.NumPartitions) - len(assignment.PartitionsFor("a"))

	if tier := d.Finalize(42, ps); tier != partition.Normal {
		t.Fatalf("tier = %s, expected NORMAL", tier)
	}
	if len(w.merged) != remoteOnly {
		t.Fatalf("merged %d payloads, expected %d", len(w.merged), remoteOnly)
	}
}

func TestFinalizeSkipDoesNotMerge(t *testing.T) {
	w := &fakeWorld{count: 100}
	ps := peers.NewPeerSet([]*peers.Peer{
		peers.NewPeer("b", ""),
		peers.NewPeer("c", ""),
		peers.NewPeer("d", ""),
	})
	// Local peer is not in the set, so it sends nothing and owns nothing.
	d := NewDistributor("z", 2, w, func(uint64, uint32, []byte) {}, common.NewTestEntry(t, "delta"))

	d.Emit(42, ps)
	tier := d.Finalize(42, ps)

	if tier != partition.Skip {
		t.Fatalf("tier = %s, expected SKIP", tier)
	}
	if len(w.merged) != 0 {
		t.Fatal("merged deltas despite SKIP tier")
	}
}

func TestFinalizeReleasesFrameState(t *testing.T) {
	w := &fakeWorld{count: 100}
	ps := testPeerSet()
	d := NewDistributor("a", 2, w, func(uint64, uint32, []byte) {}, nil)

	d.Emit(42, ps)
	d.Finalize(42, ps)

	if tier := d.Finalize(42, ps); tier != partition.Skip {
		t.Fatalf("second Finalize = %s, expected SKIP on released state", tier)
	}
}
