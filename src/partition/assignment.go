// Package partition deterministically splits the entity space across peers
// for delta dissemination. Every peer computes the same assignment from the
// same (entity count, sorted peer set, frame, reliability) tuple; all
// selection arithmetic is integer-only so the result is identical across
// platforms.
package partition

import (
	"sort"

	"github.com/meshforge/lockstep/src/common"
)

const (
	// EntitiesPerPartition sizes partitions: one partition per 30 entities,
	// clamped to at most twice the peer count.
	EntitiesPerPartition = 30

	// DefaultSendersPerPartition is the redundancy factor.
	DefaultSendersPerPartition = 2

	// seedBase is mixed with the frame and partition index to derive the
	// per-partition sampling seed.
	seedBase uint32 = 0x12345678

	// weightScale is the 16.16 fixed-point scale used in weighted sampling.
	weightScale = 1 << 16
)

// Assignment maps each partition to the ordered list of peers responsible
// for sending it this frame.
type Assignment struct {
	Frame         uint64
	NumPartitions uint32
	Senders       map[uint32][]string
}

// NumPartitions computes the partition count for an entity population and
// peer count: clamp(ceil(entityCount/30), 1, max(1, 2*peerCount)).
func NumPartitions(entityCount uint32, peerCount int) uint32 {
	if entityCount == 0 || peerCount == 0 {
		return 1
	}

	n := (entityCount + EntitiesPerPartition - 1) / EntitiesPerPartition
	if n < 1 {
		n = 1
	}

	max := uint32(2 * peerCount)
	if max < 1 {
		max = 1
	}
	if n > max {
		n = max
	}

	return n
}

// EntityPartition returns the partition an entity belongs to.
func EntityPartition(entityID, numPartitions uint32) uint32 {
	if numPartitions == 0 {
		return 0
	}
	return entityID % numPartitions
}

// Assign computes the sender assignment for a frame. The peer order in the
// input is irrelevant: peers are sorted by ID before sampling, and the
// per-partition seed depends only on (frame, partition), so any two honest
// peers with the same inputs produce the identical assignment.
func Assign(entityCount uint32, peerIDs []string, frame uint64, reliability map[string]uint8, sendersPerPartition int) Assignment {
	if sendersPerPartition <= 0 {
		sendersPerPartition = DefaultSendersPerPartition
	}

	sorted := make([]string, len(peerIDs))
	copy(sorted, peerIDs)
	sort.Strings(sorted)

	numPartitions := NumPartitions(entityCount, len(sorted))

	assignment := Assignment{
		Frame:         frame,
		NumPartitions: numPartitions,
		Senders:       make(map[uint32][]string, numPartitions),
	}

	if len(sorted) == 0 {
		return assignment
	}

	count := sendersPerPartition
	if count > len(sorted) {
		count = len(sorted)
	}

	for p := uint32(0); p < numPartitions; p++ {
		seed := common.HashU32(common.HashU32(seedBase, uint32(frame)), p)
		assignment.Senders[p] = sampleSenders(sorted, reliability, seed, count)
	}

	return assignment
}

// sampleSenders draws count peers without replacement, weighted by
// reliability. Weights are (clamped reliability + 1) scaled to 16.16 fixed
// point; each draw reduces a fresh RNG output modulo 2^16 and maps it onto
// the cumulative weight line with a 64-bit intermediate product.
func sampleSenders(sorted []string, reliability map[string]uint8, seed uint32, count int) []string {
	type candidate struct {
		id     string
		weight uint64
	}

	pool := make([]candidate, 0, len(sorted))
	for _, id := range sorted {
		rel := uint8(50)
		if reliability != nil {
			if r, ok := reliability[id]; ok {
				if r > 100 {
					r = 100
				}
				rel = r
			}
		}
		pool = append(pool, candidate{
			id:     id,
			weight: uint64(rel+1) * weightScale,
		})
	}

	rng := common.NewXorshift32(seed)
	selected := make([]string, 0, count)

	for len(selected) < count && len(pool) > 0 {
		var total uint64
		for _, c := range pool {
			total += c.weight
		}

		r := uint64(rng.Next() % weightScale)
		pick := (r * total) / weightScale

		var cum uint64
		chosen := len(pool) - 1
		for i, c := range pool {
			cum += c.weight
			if pick < cum {
				chosen = i
				break
			}
		}

		selected = append(selected, pool[chosen].id)
		pool = append(pool[:chosen], pool[chosen+1:]...)
	}

	return selected
}

// IsSender reports whether peer is among the assigned senders for partition p.
func (a Assignment) IsSender(peer string, p uint32) bool {
	for _, id := range a.Senders[p] {
		if id == peer {
			return true
		}
	}
	return false
}

// PartitionsFor returns the sorted partitions that peer is assigned to send.
func (a Assignment) PartitionsFor(peer string) []uint32 {
	res := []uint32{}
	for p := uint32(0); p < a.NumPartitions; p++ {
		if a.IsSender(peer, p) {
			res = append(res, p)
		}
	}
	return res
}

// TotalSenderSlots returns the number of (partition, sender) pairs in the
// assignment.
func (a Assignment) TotalSenderSlots() int {
	total := 0
	for _, senders := range a.Senders {
		total += len(senders)
	}
	return total
}
