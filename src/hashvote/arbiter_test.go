package hashvote

import (
	"testing"

	"github.com/meshforge/lockstep/src/common"
)

func TestMajorityAgreement(t *testing.T) {
	a := NewArbiter("self", 0, common.NewTestEntry(t, "hashvote"))

	a.RecordLocal(10, 0xAAAA)
	a.OnPeerHash("p1", 10, 0xAAAA)
	a.OnPeerHash("p2", 10, 0xAAAA)

	if v := a.Evaluate(10); v != common.True {
		t.Fatalf("verdict = %s, expected True", v)
	}

	s := a.Stats()
	if s.Passed != 1 || s.Failed != 0 || s.IsDesynced {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.SyncPercent != 100 {
		t.Fatalf("SyncPercent = %f", s.SyncPercent)
	}
}

func TestMinorityIsDesynced(t *testing.T) {
	a := NewArbiter("self", 0, common.NewTestEntry(t, "hashvote"))

	var gotFrame uint64
	var gotLocal, gotMajority uint32
	a.SetDesyncHandler(func(frame uint64, local, majority uint32) {
		gotFrame, gotLocal, gotMajority = frame, local, majority
	})

	a.RecordLocal(5, 0xBAD)
	a.OnPeerHash("p1", 5, 0x600D)
	a.OnPeerHash("p2", 5, 0x600D)

	if v := a.Evaluate(5); v != common.False {
		t.Fatalf("verdict = %s, expected False", v)
	}
	if gotFrame != 5 || gotLocal != 0xBAD || gotMajority != 0x600D {
		t.Fatalf("desync handler got (%d, 0x%X, 0x%X)", gotFrame, gotLocal, gotMajority)
	}

	s := a.Stats()
	if !s.IsDesynced || s.Failed != 1 || s.DesyncFrame != 5 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestTwoPeerDisagreementHasNoMajority(t *testing.T) {
	a := NewArbiter("self", 0, common.NewTestEntry(t, "hashvote"))

	a.RecordLocal(3, 1)
	a.OnPeerHash("p1", 3, 2)

	if v := a.Evaluate(3); v != common.Undefined {
		t.Fatalf("verdict = %s, expected Undefined", v)
	}
	if a.IsDesynced() {
		t.Fatal("no-majority case flagged desync")
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	a := NewArbiter("self", 0, nil)

	a.RecordLocal(1, 7)
	a.OnPeerHash("p1", 1, 7)
	a.OnPeerHash("p2", 1, 7)

	a.Evaluate(1)
	a.Evaluate(1)

	if s := a.Stats(); s.Passed != 1 {
		t.Fatalf("Passed = %d after double evaluate", s.Passed)
	}
}

func TestLateReportAfterVerdictDropped(t *testing.T) {
	a := NewArbiter("self", 0, nil)

	a.RecordLocal(1, 7)
	a.OnPeerHash("p1", 1, 7)
	a.Evaluate(1)

	// This must not resurrect the frame.
	a.OnPeerHash("p2", 1, 9)
	if v := a.Evaluate(1); v != common.True {
		t.Fatalf("verdict changed to %s after late report", v)
	}
}

func TestReady(t *testing.T) {
	a := NewArbiter("self", 0, nil)
	active := []string{"p1", "p2"}

	if a.Ready(2, active) {
		t.Fatal("ready with no reports")
	}
	a.OnPeerHash("p1", 2, 1)
	a.OnPeerHash("p2", 2, 1)
	if a.Ready(2, active) {
		t.Fatal("ready without local hash")
	}
	a.RecordLocal(2, 1)
	if !a.Ready(2, active) {
		t.Fatal("not ready with all reports in")
	}
}

func TestMajorityTieBreakSmallestHash(t *testing.T) {
	// Two reports of A and two of B never form a majority; but with a
	// clear 3-vs-2 split the winner must be the more common hash, and with
	// equal counts below threshold the candidate would be the smaller hash.
	reports := map[string]uint32{
		"a": 5, "b": 5, "c": 5,
		"d": 9, "e": 9,
	}
	h, err := majorityHash(reports)
	if err != nil {
		t.Fatal(err)
	}
	if h != 5 {
		t.Fatalf("majority = %d, expected 5", h)
	}

	split := map[string]uint32{"a": 5, "b": 5, "c": 9, "d": 9}
	if _, err := majorityHash(split); !common.IsSync(err, common.NoMajority) {
		t.Fatalf("expected NoMajority for an even split, got %v", err)
	}
}

func TestEvictBefore(t *testing.T) {
	a := NewArbiter("self", 0, nil)
	a.RecordLocal(1, 1)
	a.OnPeerHash("p1", 1, 1)
	a.EvictBefore(2)

	// Frame 1 is gone: evaluating it finds no local hash.
	if v := a.Evaluate(1); v != common.Undefined {
		t.Fatalf("verdict = %s for evicted frame", v)
	}
}

func TestSyncPercentAccumulates(t *testing.T) {
	a := NewArbiter("self", 0, common.NewTestEntry(t, "hashvote"))

	for f := uint64(0); f < 9; f++ {
		a.RecordLocal(f, 1)
		a.OnPeerHash("p1", f, 1)
		a.OnPeerHash("p2", f, 1)
		a.Evaluate(f)
	}
	a.RecordLocal(9, 2)
	a.OnPeerHash("p1", 9, 1)
	a.OnPeerHash("p2", 9, 1)
	a.Evaluate(9)

	if s := a.Stats(); s.SyncPercent != 90 {
		t.Fatalf("SyncPercent = %f, expected 90", s.SyncPercent)
	}
}
