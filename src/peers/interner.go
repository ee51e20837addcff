package peers

// Interner maps opaque peer ID strings to small dense integers and back.
// IDs are stable for the lifetime of the interner, surviving joins and
// leaves, so interned values can be used as array indexes and wire tags
// without ever hashing strings on the hot path.
type Interner struct {
	forward map[string]uint32
	reverse []string
}

// NewInterner ...
func NewInterner() *Interner {
	return &Interner{
		forward: make(map[string]uint32),
	}
}

// Intern returns the dense integer for id, assigning the next free one on
// first sight.
func (in *Interner) Intern(id string) uint32 {
	if n, ok := in.forward[id]; ok {
		return n
	}
	n := uint32(len(in.reverse))
	in.forward[id] = n
	in.reverse = append(in.reverse, id)
	return n
}

// Lookup returns the interned value for id without assigning one.
func (in *Interner) Lookup(id string) (uint32, bool) {
	n, ok := in.forward[id]
	return n, ok
}

// ID returns the string form for an interned value.
func (in *Interner) ID(n uint32) (string, bool) {
	if int(n) >= len(in.reverse) {
		return "", false
	}
	return in.reverse[n], true
}

// Len returns the number of interned IDs.
func (in *Interner) Len() int {
	return len(in.reverse)
}
