package node

import (
	"testing"

	"github.com/meshforge/lockstep/src/common"
	"github.com/meshforge/lockstep/src/dummy"
	"github.com/meshforge/lockstep/src/net"
	"github.com/meshforge/lockstep/src/peers"
	"github.com/meshforge/lockstep/src/world"
)

// opaqueWorld hides the Partitioned extension so a cluster runs without
// delta dissemination.
type opaqueWorld struct {
	s *dummy.State
}

func (w opaqueWorld) Tick(frame uint64, inputs []world.InputEntry) { w.s.Tick(frame, inputs) }
func (w opaqueWorld) Snapshot() (*world.Snapshot, error)           { return w.s.Snapshot() }
func (w opaqueWorld) LoadSnapshot(snap *world.Snapshot) error      { return w.s.LoadSnapshot(snap) }
func (w opaqueWorld) StateHash() uint32                            { return w.s.StateHash() }
func (w opaqueWorld) EntityCount() uint32                          { return w.s.EntityCount() }

type cluster struct {
	ids    []string
	nodes  map[string]*Node
	worlds map[string]*dummy.State
}

func newCluster(t *testing.T, ids []string, partitioned bool) *cluster {
	transports := map[string]*net.InmemTransport{}
	for _, id := range ids {
		_, trans := net.NewInmemTransport(id)
		transports[id] = trans
	}
	for _, a := range ids {
		for _, b := range ids {
			if a != b {
				transports[a].Connect(b, transports[b])
			}
		}
	}

	c := &cluster{
		ids:    ids,
		nodes:  map[string]*Node{},
		worlds: map[string]*dummy.State{},
	}

	for _, id := range ids {
		peerList := []*peers.Peer{}
		for _, pid := range ids {
			peerList = append(peerList, peers.NewPeer(pid, ""))
		}

		state := dummy.NewState()
		c.worlds[id] = state

		var w world.World = state
		if !partitioned {
			w = opaqueWorld{s: state}
		}

		n := NewNode(TestConfig(t), id, peers.NewPeerSet(peerList), w, transports[id], nil)
		if err := n.Init(); err != nil {
			t.Fatal(err)
		}
		c.nodes[id] = n
	}

	return c
}

// round ticks every node once, in ID order.
func (c *cluster) round() {
	for _, id := range c.ids {
		c.nodes[id].Tick()
	}
}

func TestTwoPeersReachFullSync(t *testing.T) {
	c := newCluster(t, []string{"peer-a", "peer-b"}, true)
	a := c.nodes["peer-a"]
	b := c.nodes["peer-b"]

	// Peer A spawns 10 food entities through the input path.
	a.SubmitInput(dummy.EncodeCommands(dummy.Command{Op: dummy.OpSpawn, A: 10, B: 1}))

	for i := 0; i < 100; i++ {
		c.round()
	}

	for _, n := range []*Node{a, b} {
		s := n.Stats()
		if s.Sync.IsDesynced {
			t.Fatalf("%s desynced: %+v", n.LocalID(), s.Sync)
		}
		if s.Sync.Failed != 0 {
			t.Fatalf("%s failed %d hash checks", n.LocalID(), s.Sync.Failed)
		}
		if s.Sync.Passed < 10 {
			t.Fatalf("%s passed only %d hash checks", n.LocalID(), s.Sync.Passed)
		}
		if s.Sync.SyncPercent != 100 {
			t.Fatalf("%s sync percent = %f", n.LocalID(), s.Sync.SyncPercent)
		}
		if s.Prediction.RollbackCount != 0 {
			t.Fatalf("%s rolled back %d times in steady state", n.LocalID(), s.Prediction.RollbackCount)
		}
	}

	if c.worlds["peer-a"].StateHash() != c.worlds["peer-b"].StateHash() {
		t.Fatalf("worlds diverged: 0x%08X != 0x%08X",
			c.worlds["peer-a"].StateHash(), c.worlds["peer-b"].StateHash())
	}
	if got := c.worlds["peer-b"].EntityCount(); got != 10 {
		t.Fatalf("peer-b sees %d entities, expected 10", got)
	}
}

func TestForcedDesyncTriggersResync(t *testing.T) {
	c := newCluster(t, []string{"a", "b", "c"}, false)
	b := c.nodes["b"]

	for i := 0; i < 30; i++ {
		c.round()
	}

	// Peer b diverges outside the input path: 5 rogue entities.
	c.worlds["b"].Spawn("rogue", 1, 5)

	sawDesync := false
	sawPending := false
	for i := 0; i < 60; i++ {
		c.round()
		s := b.Stats().Sync
		if s.IsDesynced {
			sawDesync = true
		}
		if s.ResyncPending {
			sawPending = true
		}
	}

	if !sawDesync {
		t.Fatal("minority peer never flagged desync")
	}
	if !sawPending {
		t.Fatal("desync never entered resync_pending")
	}

	final := b.Stats()
	if final.Sync.IsDesynced || final.Sync.ResyncPending {
		t.Fatalf("peer b did not recover: %+v", final.Sync)
	}
	if final.Sync.Failed == 0 {
		t.Fatal("desync recovery left no failed checks behind")
	}
	if b.GetState() != Running {
		t.Fatalf("peer b state = %s, expected Running", b.GetState())
	}

	// After recovery the peers march in step again.
	a := c.nodes["a"]
	diff := int64(a.Stats().LocalFrame) - int64(final.LocalFrame)
	if diff < -2 || diff > 2 {
		t.Fatalf("frames diverged after resync: a=%d b=%d",
			a.Stats().LocalFrame, final.LocalFrame)
	}

	// The snapshot load materialized a and c in b's world; a later join for
	// either must not count as a fresh connect.
	if !b.coord.IsPopulated("a") || !b.coord.IsPopulated("c") {
		t.Fatal("snapshot-populated peers not tracked after resync")
	}
	if b.coord.IsPopulated("b") {
		t.Fatal("local peer tracked as snapshot-populated")
	}
}

func TestAuthorityIsSmallestPeerID(t *testing.T) {
	c := newCluster(t, []string{"zeta", "alpha", "mike"}, false)

	if !c.nodes["alpha"].Stats().IsAuthority {
		t.Fatal("alpha (smallest ID) is not the authority")
	}
	if c.nodes["zeta"].Stats().IsAuthority || c.nodes["mike"].Stats().IsAuthority {
		t.Fatal("non-smallest peer claims authority")
	}
}

func TestTimeSyncFromPings(t *testing.T) {
	c := newCluster(t, []string{"a", "b"}, false)

	// PingInterval defaults to 20 frames: 110 rounds yield 5 ping cycles,
	// enough for both sides to pass the 4-sample threshold.
	for i := 0; i < 110; i++ {
		c.round()
	}

	for _, id := range c.ids {
		ts := c.nodes[id].Stats().TimeSync
		if !ts.Synced {
			t.Fatalf("%s not time-synced after 5 ping cycles: %+v", id, ts)
		}
	}
}

type faultyWorld struct {
	ticks int
}

func (w *faultyWorld) Tick(frame uint64, inputs []world.InputEntry) {
	w.ticks++
	if w.ticks >= 3 {
		panic("entity storage corrupted")
	}
}
func (w *faultyWorld) Snapshot() (*world.Snapshot, error)      { return &world.Snapshot{}, nil }
func (w *faultyWorld) LoadSnapshot(snap *world.Snapshot) error { return nil }
func (w *faultyWorld) StateHash() uint32                       { return 0 }
func (w *faultyWorld) EntityCount() uint32                     { return 0 }

func TestWorldFaultSuspendsUntilReset(t *testing.T) {
	_, trans := net.NewInmemTransport("solo")
	n := NewNode(TestConfig(t), "solo", peers.NewPeerSet([]*peers.Peer{peers.NewPeer("solo", "")}),
		&faultyWorld{}, trans, nil)
	if err := n.Init(); err != nil {
		t.Fatal(err)
	}

	var surfaced error
	n.SetErrorHandler(func(err error) { surfaced = err })

	for i := 0; i < 10; i++ {
		n.Tick()
	}

	if n.GetState() != Suspended {
		t.Fatalf("state = %s, expected Suspended", n.GetState())
	}
	if surfaced == nil || !common.IsSync(surfaced, common.Fatal) {
		t.Fatalf("expected Fatal to surface, got %v", surfaced)
	}

	frameAtFault := n.Stats().LocalFrame
	n.Tick()
	if n.Stats().LocalFrame != frameAtFault {
		t.Fatal("suspended engine still advancing")
	}

	n.Reset()
	if n.GetState() != Running {
		t.Fatalf("state after Reset = %s", n.GetState())
	}
	if n.Stats().LocalFrame != 0 {
		t.Fatal("Reset did not rewind the frame cursor")
	}
}

func TestStatsShape(t *testing.T) {
	c := newCluster(t, []string{"a", "b"}, true)
	for i := 0; i < 20; i++ {
		c.round()
	}

	s := c.nodes["a"].Stats()
	if s.State != "Running" {
		t.Fatalf("State = %s", s.State)
	}
	if s.LocalFrame == 0 {
		t.Fatal("LocalFrame did not advance")
	}
	if s.ConfirmedFrame > s.LocalFrame {
		t.Fatal("confirmed frame ran ahead of local frame")
	}
	if s.PeerCount != 2 {
		t.Fatalf("PeerCount = %d", s.PeerCount)
	}
	if s.TimeSync.Multiplier < 900 || s.TimeSync.Multiplier > 1100 {
		t.Fatalf("multiplier out of bounds: %d", s.TimeSync.Multiplier)
	}
}
