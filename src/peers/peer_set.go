package peers

import (
	"sort"
	"strings"

	"github.com/meshforge/lockstep/src/common"
)

// PeerSet is the set of active participants. Peers are kept sorted by ID;
// every honest peer holds an identical PeerSet at a given frame, which is
// what makes partition assignment deterministic across the network.
type PeerSet struct {
	Peers []*Peer          `json:"peers"`
	ByID  map[string]*Peer `json:"-"`

	//cached values
	hash     *uint32
	majority *int
}

// NewPeerSet creates a new PeerSet from a list of Peers. The input order is
// irrelevant; peers are sorted by ID.
func NewPeerSet(peerList []*Peer) *PeerSet {
	sorted := make([]*Peer, len(peerList))
	copy(sorted, peerList)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	peerSet := &PeerSet{
		Peers: sorted,
		ByID:  make(map[string]*Peer),
	}

	for _, peer := range sorted {
		peerSet.ByID[peer.ID] = peer
	}

	return peerSet
}

// WithNewPeer returns a new PeerSet including the new peer.
func (peerSet *PeerSet) WithNewPeer(peer *Peer) *PeerSet {
	peers := peerSet.Peers

	//don't add it if it already exists
	if _, ok := peerSet.ByID[peer.ID]; !ok {
		peers = append(peers, peer)
	}

	return NewPeerSet(peers)
}

// WithRemovedPeer returns a new PeerSet excluding the peer with the given ID.
func (peerSet *PeerSet) WithRemovedPeer(id string) *PeerSet {
	peers := []*Peer{}
	for _, p := range peerSet.Peers {
		if p.ID != id {
			peers = append(peers, p)
		}
	}
	return NewPeerSet(peers)
}

// IDs returns the sorted slice of peer IDs.
func (peerSet *PeerSet) IDs() []string {
	res := make([]string, 0, len(peerSet.Peers))
	for _, peer := range peerSet.Peers {
		res = append(res, peer.ID)
	}
	return res
}

// Reliability returns the ID -> reliability table used by partition
// assignment.
func (peerSet *PeerSet) Reliability() map[string]uint8 {
	res := make(map[string]uint8, len(peerSet.Peers))
	for _, peer := range peerSet.Peers {
		res[peer.ID] = peer.Reliability
	}
	return res
}

// Len returns the number of Peers in the PeerSet.
func (peerSet *PeerSet) Len() int {
	return len(peerSet.Peers)
}

// Hash fingerprints the membership: the xxHash32 of the sorted IDs joined
// with a separator that cannot appear in them.
func (peerSet *PeerSet) Hash() uint32 {
	if peerSet.hash == nil {
		joined := strings.Join(peerSet.IDs(), "\x00")
		h := common.Hash32([]byte(joined), 0)
		peerSet.hash = &h
	}
	return *peerSet.hash
}

// Majority returns the smallest report count that is strictly more than
// half of the set.
func (peerSet *PeerSet) Majority() int {
	if peerSet.majority == nil {
		val := peerSet.Len()/2 + 1
		peerSet.majority = &val
	}
	return *peerSet.majority
}
