package peers

// DefaultReliability is the starting delivery score of a freshly observed
// peer, in the middle of the [0,100] range.
const DefaultReliability = 50

// Peer is a participant in the simulation. The ID is an opaque stable string
// issued by the transport (typically a UUID); its string form is canonical
// for sorting.
type Peer struct {
	ID      string `json:"id"`
	Moniker string `json:"moniker,omitempty"`

	// NetAddr is where the transport can reach the peer. In-memory
	// transports leave it empty and address peers by ID.
	NetAddr string `json:"netAddr,omitempty"`

	// Reliability is the locally observed delivery score in [0,100]. It
	// drives weighted sender selection and may drift between peers.
	Reliability uint8 `json:"-"`

	// LastSeenFrame is the last frame at which any message from this peer
	// was observed.
	LastSeenFrame uint64 `json:"-"`

	// IsActive is set when the peer is created or loaded; a leaving peer is
	// removed from its PeerSet rather than marked inactive.
	IsActive bool `json:"-"`
}

// NewPeer ...
func NewPeer(id, moniker string) *Peer {
	return &Peer{
		ID:          id,
		Moniker:     moniker,
		Reliability: DefaultReliability,
		IsActive:    true,
	}
}

// AdjustReliability moves the delivery score by delta, clamping to [0,100].
func (p *Peer) AdjustReliability(delta int) {
	score := int(p.Reliability) + delta
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	p.Reliability = uint8(score)
}

// ExcludePeer is used to exclude a single peer from a list of peers.
func ExcludePeer(peers []*Peer, id string) (int, []*Peer) {
	index := -1
	otherPeers := make([]*Peer, 0, len(peers))
	for i, p := range peers {
		if p.ID != id {
			otherPeers = append(otherPeers, p)
		} else {
			index = i
		}
	}
	return index, otherPeers
}
