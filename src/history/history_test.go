package history

import (
	"reflect"
	"testing"

	"github.com/meshforge/lockstep/src/common"
)

func TestSetOverwritesSamePeer(t *testing.T) {
	h := New()
	h.Set(3, "alice", []byte{1}, false)
	h.Set(3, "alice", []byte{2}, true)

	fs, err := h.FrameSet(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 1 {
		t.Fatalf("frame set holds %d entries for one peer, expected 1", len(fs))
	}
	e := fs["alice"]
	if !e.Confirmed || e.Data[0] != 2 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestFrameSetMissing(t *testing.T) {
	h := New()
	_, err := h.FrameSet(99)
	if !common.IsSync(err, common.KeyNotFound) {
		t.Fatalf("expected KeyNotFound, got %v", err)
	}
}

func TestSortedClients(t *testing.T) {
	h := New()
	h.Set(1, "charlie", nil, true)
	h.Set(1, "alice", nil, true)
	h.Set(1, "bob", nil, true)

	expected := []string{"alice", "bob", "charlie"}
	if got := h.SortedClients(1); !reflect.DeepEqual(got, expected) {
		t.Fatalf("SortedClients = %v, expected %v", got, expected)
	}
}

func TestPredictLastRepeatsMostRecentConfirmed(t *testing.T) {
	h := New()
	if got := h.PredictLast("alice"); got != nil {
		t.Fatalf("expected nil for unseen peer, got %v", got)
	}

	h.Set(1, "alice", []byte{1}, true)
	h.Set(2, "alice", []byte{2}, true)
	h.Set(5, "alice", []byte{5}, false) // predictions never feed repeat-last

	if got := h.PredictLast("alice"); got[0] != 2 {
		t.Fatalf("PredictLast = %v, expected the frame-2 payload", got)
	}

	// A confirmation at an older frame must not regress the sample.
	h.Set(1, "alice", []byte{9}, true)
	if got := h.PredictLast("alice"); got[0] != 2 {
		t.Fatalf("older confirmation regressed repeat-last to %v", got)
	}
}

func TestMatches(t *testing.T) {
	h := New()
	h.Set(4, "bob", []byte{7, 7}, true)

	if !h.Matches(4, "bob", []byte{7, 7}) {
		t.Fatal("expected confirmed identical payload to match")
	}
	if h.Matches(4, "bob", []byte{7, 8}) {
		t.Fatal("different payload matched")
	}
	if h.Matches(5, "bob", []byte{7, 7}) {
		t.Fatal("missing frame matched")
	}

	h.Set(6, "bob", []byte{1}, false)
	if h.Matches(6, "bob", []byte{1}) {
		t.Fatal("predicted entry matched as confirmed")
	}
}

func TestLifecycleOrderedBySeq(t *testing.T) {
	h := New()
	h.QueueLifecycle(2, Record{Seq: 9, Client: "c", Kind: Leave})
	h.QueueLifecycle(2, Record{Seq: 3, Client: "a", Kind: Join})
	h.QueueLifecycle(2, Record{Seq: 5, Client: "b", Kind: Join})

	events := h.LifecycleEvents(2)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Seq != 3 || events[1].Seq != 5 || events[2].Seq != 9 {
		t.Fatalf("events out of order: %+v", events)
	}
}

func TestEvictBefore(t *testing.T) {
	h := New()
	for f := uint64(0); f < 10; f++ {
		h.Set(f, "alice", []byte{byte(f)}, true)
		h.QueueLifecycle(f, Record{Seq: uint32(f), Client: "alice", Kind: Join})
	}

	h.EvictBefore(5)

	for f := uint64(0); f < 5; f++ {
		if _, err := h.FrameSet(f); err == nil {
			t.Fatalf("frame %d survived eviction", f)
		}
		if len(h.LifecycleEvents(f)) != 0 {
			t.Fatalf("lifecycle queue %d survived eviction", f)
		}
	}
	for f := uint64(5); f < 10; f++ {
		if _, err := h.FrameSet(f); err != nil {
			t.Fatalf("frame %d evicted too eagerly", f)
		}
	}
}

func TestRemovePeer(t *testing.T) {
	h := New()
	h.Set(1, "alice", []byte{1}, true)
	h.Set(1, "bob", []byte{2}, true)

	h.RemovePeer("alice")

	if got := h.ActivePeers(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("ActivePeers = %v", got)
	}
	if h.PredictLast("alice") != nil {
		t.Fatal("repeat-last sample survived peer removal")
	}
	// Past entries stay for rollback replay.
	if _, ok := h.Get(1, "alice"); !ok {
		t.Fatal("past entry removed with peer")
	}
}

func TestSettled(t *testing.T) {
	h := New()

	if h.Settled(1) {
		t.Fatal("empty frame settled")
	}

	h.Set(1, "alice", []byte{1}, true)
	if !h.Settled(1) {
		t.Fatal("all-confirmed frame not settled")
	}

	// A prediction blocks settling until a later confirmation from the same
	// peer supersedes it.
	h.Set(2, "bob", nil, false)
	h.Set(2, "alice", []byte{2}, true)
	if h.Settled(2) {
		t.Fatal("open prediction settled prematurely")
	}
	h.Set(3, "bob", []byte{3}, true)
	if !h.Settled(2) {
		t.Fatal("superseded prediction still blocks settling")
	}

	// A departed peer's stale prediction never blocks.
	h.Set(4, "ghost", nil, false)
	h.Set(4, "alice", []byte{4}, true)
	h.Set(5, "ghost", []byte{5}, true)
	h.RemovePeer("ghost")
	if !h.Settled(4) {
		t.Fatal("departed peer blocks settling")
	}
}

func TestClear(t *testing.T) {
	h := New()
	h.Set(1, "alice", []byte{1}, true)
	h.QueueLifecycle(1, Record{Seq: 1, Client: "alice", Kind: Join})
	h.Clear()

	if len(h.ActivePeers()) != 0 {
		t.Fatal("peers survived Clear")
	}
	if _, err := h.FrameSet(1); err == nil {
		t.Fatal("frames survived Clear")
	}
}
