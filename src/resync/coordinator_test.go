package resync

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/meshforge/lockstep/src/common"
	"github.com/meshforge/lockstep/src/hashvote"
	"github.com/meshforge/lockstep/src/history"
	"github.com/meshforge/lockstep/src/prediction"
	"github.com/meshforge/lockstep/src/snapring"
	"github.com/meshforge/lockstep/src/world"
)

type stubWorld struct {
	state     uint32
	snapCount int
}

func (w *stubWorld) Tick(frame uint64, inputs []world.InputEntry) { w.state++ }

func (w *stubWorld) Snapshot() (*world.Snapshot, error) {
	w.snapCount++
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, w.state)
	return &world.Snapshot{Hash: w.state, Data: data}, nil
}

func (w *stubWorld) LoadSnapshot(snap *world.Snapshot) error {
	w.state = binary.LittleEndian.Uint32(snap.Data)
	return nil
}

func (w *stubWorld) StateHash() uint32   { return w.state }
func (w *stubWorld) EntityCount() uint32 { return 0 }

type harness struct {
	w        *stubWorld
	pred     *prediction.Manager
	ring     *snapring.Ring
	hist     *history.History
	arbiter  *hashvote.Arbiter
	requests int
	sent     []*world.Snapshot
	failures []error
	coord    *Coordinator
}

func newHarness(t *testing.T, timeout time.Duration, retries int) *harness {
	h := &harness{
		w:    &stubWorld{},
		ring: snapring.New(11),
		hist: history.New(),
	}
	h.pred = prediction.NewManager(prediction.DefaultConfig(), "self", h.w, h.hist, h.ring, nil)
	h.arbiter = hashvote.NewArbiter("self", 0, nil)
	h.coord = NewCoordinator(Config{
		LocalID:       "self",
		Timeout:       timeout,
		MaxRetries:    retries,
		World:         h.w,
		Prediction:    h.pred,
		Ring:          h.ring,
		History:       h.hist,
		Arbiter:       h.arbiter,
		SubmitRequest: func() { h.requests++ },
		SendSnapshot:  func(target string, snap *world.Snapshot) { h.sent = append(h.sent, snap) },
		OnFailure:     func(err error) { h.failures = append(h.failures, err) },
		Logger:        common.NewTestEntry(t, "resync"),
	})
	return h
}

func TestOnDesyncSendsSingleRequest(t *testing.T) {
	h := newHarness(t, time.Second, 3)
	now := time.Unix(0, 0)

	h.coord.OnDesync(10, 1, 2, now)
	h.coord.OnDesync(11, 1, 2, now) // still pending, no second request

	if h.requests != 1 {
		t.Fatalf("requests = %d, expected 1", h.requests)
	}
	if !h.coord.Pending() {
		t.Fatal("not pending after desync")
	}
	if !h.arbiter.Stats().ResyncPending {
		t.Fatal("arbiter not marked resync-pending")
	}
}

func TestTimeoutRerequestsThenSurfaces(t *testing.T) {
	h := newHarness(t, time.Second, 3)
	now := time.Unix(0, 0)

	h.coord.OnDesync(10, 1, 2, now)

	// First deadline: re-request.
	now = now.Add(2 * time.Second)
	h.coord.Tick(now)
	if h.requests != 2 {
		t.Fatalf("requests = %d after first timeout, expected 2", h.requests)
	}

	// Second deadline: re-request again.
	now = now.Add(2 * time.Second)
	h.coord.Tick(now)
	if h.requests != 3 {
		t.Fatalf("requests = %d after second timeout, expected 3", h.requests)
	}

	// Third deadline: third and last re-request.
	now = now.Add(2 * time.Second)
	h.coord.Tick(now)
	if h.requests != 4 {
		t.Fatalf("requests = %d after third timeout, expected 4", h.requests)
	}
	if len(h.failures) != 0 {
		t.Fatalf("failures = %d before the budget is spent, expected 0", len(h.failures))
	}

	// Fourth deadline: budget spent, surface ResyncTimeout.
	now = now.Add(2 * time.Second)
	h.coord.Tick(now)
	if len(h.failures) != 1 {
		t.Fatalf("failures = %d, expected 1", len(h.failures))
	}
	if !common.IsSync(h.failures[0], common.ResyncTimeout) {
		t.Fatalf("unexpected failure kind: %v", h.failures[0])
	}
	if h.coord.Pending() {
		t.Fatal("still pending after surfacing")
	}
}

func TestTickBeforeDeadlineDoesNothing(t *testing.T) {
	h := newHarness(t, time.Second, 3)
	now := time.Unix(0, 0)

	h.coord.OnDesync(10, 1, 2, now)
	h.coord.Tick(now.Add(500 * time.Millisecond))

	if h.requests != 1 {
		t.Fatalf("requests = %d, expected 1", h.requests)
	}
}

func TestOnSnapshotRestoresAndResumes(t *testing.T) {
	h := newHarness(t, time.Second, 3)
	now := time.Unix(0, 0)

	// Advance some local state.
	for i := 0; i < 5; i++ {
		h.pred.Advance()
	}
	h.coord.MarkPopulated("ghost")
	h.coord.OnDesync(5, 1, 2, now)

	snap := &world.Snapshot{Frame: 61, Hash: 777, Data: []byte{9, 3, 0, 0}}
	if err := h.coord.OnSnapshot(snap); err != nil {
		t.Fatal(err)
	}

	if h.pred.LocalFrame() != 61 || h.pred.ConfirmedFrame() != 61 {
		t.Fatalf("frames = (%d, %d), expected (61, 61)",
			h.pred.LocalFrame(), h.pred.ConfirmedFrame())
	}
	if !h.pred.Enabled() {
		t.Fatal("prediction still paused after load")
	}
	if h.coord.Pending() {
		t.Fatal("still pending after snapshot")
	}
	if h.arbiter.Stats().IsDesynced || h.arbiter.Stats().ResyncPending {
		t.Fatal("arbiter desync state survived resync")
	}
	if h.coord.IsPopulated("ghost") {
		t.Fatal("populated tracking survived resync")
	}
	if h.w.state != binary.LittleEndian.Uint32(snap.Data) {
		t.Fatal("world state not restored from snapshot")
	}
	// The ring was cleared.
	if _, err := h.ring.Load(4); err == nil {
		t.Fatal("snapshot ring survived resync")
	}
}

func TestPopulatedTracking(t *testing.T) {
	h := newHarness(t, time.Second, 3)

	h.coord.MarkPopulated("peer-x")
	if !h.coord.IsPopulated("peer-x") {
		t.Fatal("mark not visible")
	}

	// A leave forgets the client, so a re-join is a fresh connect.
	h.coord.ClearPopulated("peer-x")
	if h.coord.IsPopulated("peer-x") {
		t.Fatal("mark survived ClearPopulated")
	}
}

func TestAuthorityUploadsFreshSnapshotAfterTick(t *testing.T) {
	h := newHarness(t, time.Second, 3)

	h.coord.OnResyncRequest("peer-b")

	// No upload until the next tick completes.
	if len(h.sent) != 0 {
		t.Fatal("snapshot sent before tick")
	}

	h.w.Tick(61, nil)
	h.coord.AfterTick(61)

	if len(h.sent) != 1 {
		t.Fatalf("sent = %d, expected 1", len(h.sent))
	}
	snap := h.sent[0]
	if snap.Frame != 61 {
		t.Fatalf("snapshot frame = %d, expected 61", snap.Frame)
	}
	// The snapshot reflects the post-tick state, not a cached one.
	if snap.Hash != h.w.state {
		t.Fatalf("snapshot hash 0x%X != post-tick state 0x%X", snap.Hash, h.w.state)
	}

	// The latch is cleared.
	h.w.Tick(62, nil)
	h.coord.AfterTick(62)
	if len(h.sent) != 1 {
		t.Fatal("latch not cleared after upload")
	}
}

func TestAuthorityIgnoresOwnRequest(t *testing.T) {
	h := newHarness(t, time.Second, 3)
	h.coord.OnResyncRequest("self")
	h.w.Tick(1, nil)
	h.coord.AfterTick(1)
	if len(h.sent) != 0 {
		t.Fatal("authority uploaded to itself")
	}
}
